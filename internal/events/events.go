package events

import "time"

// Type identifies a change notification category.
type Type string

const (
	TypeAssetCreated     Type = "asset.created"
	TypeCreateRejected   Type = "asset.create_rejected"
	TypeGrantCreated     Type = "authorization.created"
	TypeGrantRemoved     Type = "authorization.removed"
	TypeAccessLog        Type = "access.log"
	TypeOwnerTransferred Type = "ownership.transferred"
	TypeRoleChange       Type = "role.change"
)

// Event is a structured change notification emitted after every mutating
// ledger operation and every access decision. Fields are sparse per type,
// but each event carries enough state for an external indexer to stay
// current without re-reading the ledger.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	Key         string `json:"key,omitempty"`
	Principal   string `json:"principal,omitempty"`
	Role        string `json:"role,omitempty"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
	OldOwner    string `json:"old_owner,omitempty"`
	NewOwner    string `json:"new_owner,omitempty"`

	// ExpiresAt accompanies authorization.created when the grant carries an
	// expiry; nil means the grant never expires.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// Granted is set on access.log events, Assigned on role.change events.
	Granted  bool `json:"granted,omitempty"`
	Assigned bool `json:"assigned,omitempty"`
}

// Sink receives change notifications. Publish must not block the caller;
// implementations decide how to buffer or drop.
type Sink interface {
	Publish(evt Event)
}
