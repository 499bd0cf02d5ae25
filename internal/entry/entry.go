// Package entry defines the versioned record kept by the eventual store and
// exchanged between replicas.
package entry

import (
	"encoding/json"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/vclock"
)

// StateEntry is one version of a key.
//
// Version grows monotonically per key per origin, and Clock[Origin] equals the
// origin's write counter for the key at write time.
type StateEntry struct {
	Namespace string            `json:"namespace"`
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Version   uint64            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Origin    string            `json:"origin"`
	Clock     vclock.Clock      `json:"clock"`
	Deleted   bool              `json:"deleted,omitempty"`
	TTL       time.Duration     `json:"ttl,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of e.
func (e StateEntry) Clone() StateEntry {
	out := e
	if e.Value != nil {
		out.Value = append(json.RawMessage(nil), e.Value...)
	}
	out.Clock = e.Clock.Copy()
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ExpiresAt returns when the entry expires. The zero time means never.
func (e StateEntry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.Timestamp.Add(e.TTL)
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e StateEntry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Live reports whether the entry holds a readable value at now.
func (e StateEntry) Live(now time.Time) bool {
	return !e.Deleted && !e.Expired(now)
}

// Meta returns a metadata value, or "" if unset.
func (e StateEntry) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}
