package store

import (
	"fmt"

	"github.com/truongngoctrac/claims-platform-sub011/internal/entry"
)

// ConditionKind names a write precondition.
type ConditionKind string

const (
	VersionEquals  ConditionKind = "version_equals"
	VersionGreater ConditionKind = "version_greater"
	Exists         ConditionKind = "exists"
	NotExists      ConditionKind = "not_exists"
)

// Condition is checked against the local entry before a write.
// VersionGreater holds when the current version is greater than Version.
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Version uint64        `json:"version,omitempty"`
}

// CheckConditions evaluates conds against cur, which is nil when the key has
// no live value. The first failing condition is returned wrapped in
// ErrConditionFailed.
func CheckConditions(cur *entry.StateEntry, conds []Condition) error {
	for _, c := range conds {
		switch c.Kind {
		case Exists:
			if cur == nil {
				return fmt.Errorf("%w: key does not exist", ErrConditionFailed)
			}
		case NotExists:
			if cur != nil {
				return fmt.Errorf("%w: key exists at version %d", ErrConditionFailed, cur.Version)
			}
		case VersionEquals:
			if cur == nil || cur.Version != c.Version {
				return fmt.Errorf("%w: version is %d, want %d", ErrConditionFailed, versionOf(cur), c.Version)
			}
		case VersionGreater:
			if cur == nil || cur.Version <= c.Version {
				return fmt.Errorf("%w: version %d is not greater than %d", ErrConditionFailed, versionOf(cur), c.Version)
			}
		default:
			return fmt.Errorf("%w: unknown condition %q", ErrConditionFailed, c.Kind)
		}
	}
	return nil
}

func versionOf(e *entry.StateEntry) uint64 {
	if e == nil {
		return 0
	}
	return e.Version
}
