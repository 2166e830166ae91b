package acl

import (
	"fmt"
	"strings"
	"time"
)

// Role classifies the capability delegated by a grant. The set is closed:
// unknown tags are rejected at the boundary instead of being stored.
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePermanent Role = "permanent"
	RoleTemporary Role = "temporary"
)

// ParseRole normalizes and validates a role tag.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch role {
	case RoleAdmin, RolePermanent, RoleTemporary:
		return role, nil
	case "":
		return "", fmt.Errorf("%w: role is required", ErrEmptyInput)
	default:
		return "", fmt.Errorf("%w: unrecognized role %q", ErrEmptyInput, raw)
	}
}

// Asset is the unit of access control. Key is caller-supplied, unique and
// immutable; Owner changes only through TransferOwnership. Assets are never
// destroyed: Initialized stays true from creation onward.
type Asset struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	Owner       string    `json:"owner"`
	Initialized bool      `json:"initialized"`
	GrantCount  int       `json:"grant_count"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
}

// Grant scopes a principal's access to one asset. A principal gets exactly
// one slot per asset: re-grants overwrite role and expiry in place, and
// revocation clears Active while keeping the slot enumerable.
type Grant struct {
	Principal string     `json:"principal"`
	Role      Role       `json:"role"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Index     int        `json:"index"`
}

// Unset reports whether the grant slot has never been written.
func (g Grant) Unset() bool { return g.Principal == "" }

// LiveAt reports whether the grant authorizes access at the given instant.
// Expiry is recomputed on every call; nothing is written when a grant lapses.
func (g Grant) LiveAt(now time.Time) bool {
	if !g.Active {
		return false
	}
	return g.ExpiresAt == nil || now.Before(*g.ExpiresAt)
}

// Call carries the authenticated caller and the externally supplied current
// time for one ledger operation. The core never reads a wall clock, which
// keeps every operation deterministic under a fixed clock.
type Call struct {
	Caller string
	Now    time.Time
}

// Decision is the outcome of an access check; it is also published as an
// access.log event on every evaluation, granted or denied.
type Decision struct {
	Key         string    `json:"key"`
	Principal   string    `json:"principal"`
	Granted     bool      `json:"granted"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ZeroPrincipal reports whether a principal address is absent or the null
// address (all-zero hex with 0x prefix).
func ZeroPrincipal(p string) bool {
	p = strings.TrimSpace(p)
	if p == "" {
		return true
	}
	lower := strings.ToLower(p)
	if rest, ok := strings.CutPrefix(lower, "0x"); ok {
		return strings.Trim(rest, "0") == ""
	}
	return false
}

// ValidateCreate normalizes createAsset inputs.
func ValidateCreate(key, description string) (string, string, error) {
	key = strings.TrimSpace(key)
	description = strings.TrimSpace(description)
	if key == "" {
		return "", "", fmt.Errorf("%w: asset key is required", ErrEmptyInput)
	}
	if description == "" {
		return "", "", fmt.Errorf("%w: asset description is required", ErrEmptyInput)
	}
	return key, description, nil
}

// GrantExpiry derives the absolute expiry for a grant request. Temporary
// grants require a positive duration; other roles may carry one optionally.
// A zero or negative duration on a non-temporary role means "never expires".
func GrantExpiry(role Role, duration time.Duration, now time.Time) (*time.Time, error) {
	if duration <= 0 {
		if role == RoleTemporary {
			return nil, ErrMissingExpiration
		}
		return nil, nil
	}
	at := now.Add(duration)
	return &at, nil
}
