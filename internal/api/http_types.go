package api

import (
	"encoding/json"
	"time"

	"github.com/truongngoctrac/claims-platform-sub011/internal/config"
	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
	"github.com/truongngoctrac/claims-platform-sub011/internal/resolver"
	"github.com/truongngoctrac/claims-platform-sub011/internal/store"
)

// External client API

// PutRequest is the body of PUT /v1/kv/{namespace}/{key}. TTL is a duration
// string such as "30s"; Metadata is stored with the entry.
type PutRequest struct {
	Value      json.RawMessage   `json:"value"`
	Conditions []store.Condition `json:"conditions,omitempty"`
	TTL        config.Duration   `json:"ttl,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type EntryResponse struct {
	Entry entry.StateEntry `json:"entry"`
	Stale bool             `json:"stale,omitempty"`
}

type HealthResponse struct {
	Nodes map[string]bool `json:"nodes"`
	Now   time.Time       `json:"now"`
}

type AuditResponse struct {
	Records []resolver.Record `json:"records"`
}

type AckRequest struct {
	ID string `json:"id"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
