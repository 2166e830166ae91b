package roles

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"grantledger.org/internal/events"
)

// SuperAdminRole holders may manage any role flag, same as the creator.
const SuperAdminRole = "superadmin"

var (
	ErrEmptyInput       = errors.New("roles: empty input")
	ErrUnauthorized     = errors.New("roles: unauthorized")
	ErrInvalidPrincipal = errors.New("roles: invalid principal")
)

// Store persists (principal, role name) flags. Implementations must make Set
// idempotent: assigning an already-assigned pair is not an error.
type Store interface {
	Set(ctx context.Context, principal, role string, assigned bool) error
	IsAssigned(ctx context.Context, principal, role string) (bool, error)
}

// Memory is the in-process Store.
type Memory struct {
	mu    sync.RWMutex
	flags map[string]map[string]bool
}

func NewMemory() *Memory {
	return &Memory{flags: make(map[string]map[string]bool)}
}

func (m *Memory) Set(ctx context.Context, principal, role string, assigned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole := m.flags[principal]
	if byRole == nil {
		byRole = make(map[string]bool)
		m.flags[principal] = byRole
	}
	byRole[role] = assigned
	return nil
}

func (m *Memory) IsAssigned(ctx context.Context, principal, role string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[principal][role], nil
}

// Registry manages standalone role flags, independent of any asset. Only the
// creator and superadmin holders may assign or unassign; lookups are open and
// total. The creator's privilege is management-only: IsAssigned reports the
// stored flag, nothing implicit.
type Registry struct {
	store   Store
	creator string
	sink    events.Sink
}

func NewRegistry(store Store, creator string, sink events.Sink) *Registry {
	return &Registry{store: store, creator: creator, sink: sink}
}

func (r *Registry) canManage(ctx context.Context, caller string) (bool, error) {
	if caller == r.creator {
		return true, nil
	}
	return r.store.IsAssigned(ctx, caller, SuperAdminRole)
}

func (r *Registry) set(ctx context.Context, caller, principal, role string, assigned bool, now time.Time) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return ErrEmptyInput
	}
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return ErrInvalidPrincipal
	}
	ok, err := r.canManage(ctx, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	if err := r.store.Set(ctx, principal, role, assigned); err != nil {
		return err
	}
	if r.sink != nil {
		r.sink.Publish(events.Event{
			Type:       events.TypeRoleChange,
			Principal:  principal,
			Role:       role,
			Assigned:   assigned,
			OccurredAt: now,
		})
	}
	return nil
}

// Assign sets the flag for (principal, role). Re-assigning is a no-op that
// still emits a role.change event.
func (r *Registry) Assign(ctx context.Context, caller, principal, role string, now time.Time) error {
	return r.set(ctx, caller, principal, role, true, now)
}

// Unassign clears the flag. Unassigning a flag that was never set succeeds.
func (r *Registry) Unassign(ctx context.Context, caller, principal, role string, now time.Time) error {
	return r.set(ctx, caller, principal, role, false, now)
}

// IsAssigned reports the stored flag. Unknown pairs read as false.
func (r *Registry) IsAssigned(ctx context.Context, principal, role string) (bool, error) {
	return r.store.IsAssigned(ctx, principal, role)
}
