package acl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grantledger.org/internal/events"
)

// Service defines the asset registry and authorization ledger operations.
// Mutating operations take a Call carrying the authenticated caller and the
// externally supplied current time; they commit fully or not at all.
type Service interface {
	CreateAsset(ctx context.Context, call Call, key, description string) (Asset, error)
	GetAsset(ctx context.Context, key string) (Asset, error)
	AssetCount(ctx context.Context) (int, error)
	AssetKeyAt(ctx context.Context, index int) (string, error)
	TransferOwnership(ctx context.Context, call Call, key, newOwner string) (Asset, error)

	AddGrant(ctx context.Context, call Call, key, principal string, role Role, duration time.Duration) (Grant, error)
	AddGrantBatch(ctx context.Context, call Call, key string, principals []string, roles []Role) error
	AddGrantBatchWithDuration(ctx context.Context, call Call, key string, principals []string, roles []Role, durations []time.Duration) error
	RemoveGrant(ctx context.Context, call Call, key, principal string) error
	RemoveGrantBatch(ctx context.Context, call Call, key string, principals []string) error

	GetGrant(ctx context.Context, key, principal string) (Grant, error)
	GrantCount(ctx context.Context, key string) (int, error)
	GrantAt(ctx context.Context, key string, index int) (Grant, error)

	Access(ctx context.Context, call Call, key string) (Decision, error)
	IsAuthorized(ctx context.Context, key, principal string, now time.Time) (bool, error)
}

type memAsset struct {
	asset  Asset
	grants []Grant        // append-only arena; revoked entries stay enumerable
	index  map[string]int // principal -> slot in grants
}

// InMemory implements Service against process memory. A single mutex around
// every mutating operation reproduces the serial single-writer contract of
// the ledger substrate; reads share an RLock and are side-effect free.
type InMemory struct {
	mu     sync.RWMutex
	assets map[string]*memAsset
	keys   []string // creation order, for enumeration
	sink   events.Sink
}

// NewInMemory creates an empty ledger. sink may be nil to disable change
// notifications.
func NewInMemory(sink events.Sink) *InMemory {
	return &InMemory{
		assets: make(map[string]*memAsset),
		sink:   sink,
	}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) emit(evt events.Event) {
	if s.sink != nil {
		s.sink.Publish(evt)
	}
}

func (s *InMemory) CreateAsset(ctx context.Context, call Call, key, description string) (Asset, error) {
	rawKey := key
	key, description, err := ValidateCreate(key, description)
	if err != nil {
		s.emit(events.Event{
			Type:       events.TypeCreateRejected,
			Principal:  call.Caller,
			Key:        rawKey,
			Reason:     err.Error(),
			OccurredAt: call.Now,
		})
		return Asset{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[key]; ok {
		err := fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		s.emit(events.Event{
			Type:      events.TypeCreateRejected,
			Principal: call.Caller,
			Key:       key,
			Reason:    err.Error(),
		})
		return Asset{}, err
	}

	asset := Asset{
		Key:         key,
		Description: description,
		Owner:       call.Caller,
		Initialized: true,
		CreatedAt:   call.Now,
	}
	s.assets[key] = &memAsset{asset: asset, index: make(map[string]int)}
	s.keys = append(s.keys, key)

	s.emit(events.Event{
		Type:        events.TypeAssetCreated,
		Principal:   call.Caller,
		Key:         key,
		Description: description,
		OccurredAt:  call.Now,
	})
	return asset, nil
}

// GetAsset is total over the key space: a missing asset comes back with
// Initialized=false instead of an error.
func (s *InMemory) GetAsset(ctx context.Context, key string) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[key]
	if !ok {
		return Asset{Key: key}, nil
	}
	out := a.asset
	out.GrantCount = len(a.grants)
	return out, nil
}

func (s *InMemory) AssetCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys), nil
}

func (s *InMemory) AssetKeyAt(ctx context.Context, index int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.keys) {
		return "", fmt.Errorf("%w: asset index %d of %d", ErrIndexOutOfRange, index, len(s.keys))
	}
	return s.keys[index], nil
}

func (s *InMemory) TransferOwnership(ctx context.Context, call Call, key, newOwner string) (Asset, error) {
	if ZeroPrincipal(newOwner) {
		return Asset{}, fmt.Errorf("%w: new owner", ErrInvalidPrincipal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[key]
	if !ok {
		return Asset{}, fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if a.asset.Owner != call.Caller {
		return Asset{}, fmt.Errorf("%w: only the owner may transfer %s", ErrUnauthorized, key)
	}

	oldOwner := a.asset.Owner
	a.asset.Owner = newOwner

	s.emit(events.Event{
		Type:       events.TypeOwnerTransferred,
		Key:        key,
		OldOwner:   oldOwner,
		NewOwner:   newOwner,
		OccurredAt: call.Now,
	})
	out := a.asset
	out.GrantCount = len(a.grants)
	return out, nil
}

// canManage implements the delegation rule: the owner, or any principal
// holding a live (active, non-expired) grant, may manage authorizations.
// This deliberately mirrors the legacy broad-delegation policy: permanent
// and temporary grantees manage too, not only admins.
func (a *memAsset) canManage(caller string, now time.Time) bool {
	if caller == a.asset.Owner {
		return true
	}
	slot, ok := a.index[caller]
	if !ok {
		return false
	}
	return a.grants[slot].LiveAt(now)
}

// upsertGrant writes a grant into the arena, appending on first sight of the
// principal and overwriting in place afterwards.
func (a *memAsset) upsertGrant(principal string, role Role, expiresAt *time.Time) Grant {
	if slot, ok := a.index[principal]; ok {
		g := &a.grants[slot]
		g.Role = role
		g.Active = true
		g.ExpiresAt = expiresAt
		return *g
	}
	g := Grant{
		Principal: principal,
		Role:      role,
		Active:    true,
		ExpiresAt: expiresAt,
		Index:     len(a.grants),
	}
	a.grants = append(a.grants, g)
	a.index[principal] = g.Index
	return g
}

func (s *InMemory) AddGrant(ctx context.Context, call Call, key, principal string, role Role, duration time.Duration) (Grant, error) {
	role, err := ParseRole(string(role))
	if err != nil {
		return Grant{}, err
	}
	if ZeroPrincipal(principal) {
		return Grant{}, fmt.Errorf("%w: grantee", ErrInvalidPrincipal)
	}
	expiresAt, err := GrantExpiry(role, duration, call.Now)
	if err != nil {
		return Grant{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[key]
	if !ok {
		return Grant{}, fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if !a.canManage(call.Caller, call.Now) {
		return Grant{}, fmt.Errorf("%w: caller holds no live authorization on %s", ErrUnauthorized, key)
	}

	g := a.upsertGrant(principal, role, expiresAt)
	s.emit(events.Event{
		Type:       events.TypeGrantCreated,
		Key:        key,
		Principal:  principal,
		Role:       string(role),
		ExpiresAt:  expiresAt,
		OccurredAt: call.Now,
	})
	return g, nil
}

func (s *InMemory) AddGrantBatch(ctx context.Context, call Call, key string, principals []string, roles []Role) error {
	return s.AddGrantBatchWithDuration(ctx, call, key, principals, roles, nil)
}

// AddGrantBatchWithDuration applies the single-grant transition per element.
// The batch is atomic: every element is validated before any is applied, so
// a failure leaves the ledger untouched. durations may be nil for the
// no-expiry variant.
func (s *InMemory) AddGrantBatchWithDuration(ctx context.Context, call Call, key string, principals []string, roles []Role, durations []time.Duration) error {
	if len(principals) != len(roles) || (durations != nil && len(durations) != len(principals)) {
		return fmt.Errorf("%w: %d principals, %d roles, %d durations",
			ErrLengthMismatch, len(principals), len(roles), len(durations))
	}

	parsed := make([]Role, len(roles))
	expiries := make([]*time.Time, len(principals))
	for i := range principals {
		role, err := ParseRole(string(roles[i]))
		if err != nil {
			return err
		}
		if ZeroPrincipal(principals[i]) {
			return fmt.Errorf("%w: grantee at position %d", ErrInvalidPrincipal, i)
		}
		var duration time.Duration
		if durations != nil {
			duration = durations[i]
		}
		expiresAt, err := GrantExpiry(role, duration, call.Now)
		if err != nil {
			return fmt.Errorf("%w (position %d)", err, i)
		}
		parsed[i] = role
		expiries[i] = expiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if !a.canManage(call.Caller, call.Now) {
		return fmt.Errorf("%w: caller holds no live authorization on %s", ErrUnauthorized, key)
	}

	for i := range principals {
		a.upsertGrant(principals[i], parsed[i], expiries[i])
		s.emit(events.Event{
			Type:       events.TypeGrantCreated,
			Key:        key,
			Principal:  principals[i],
			Role:       string(parsed[i]),
			ExpiresAt:  expiries[i],
			OccurredAt: call.Now,
		})
	}
	return nil
}

func (s *InMemory) RemoveGrant(ctx context.Context, call Call, key, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeGrantLocked(call, key, principal)
}

// RemoveGrantBatch revokes every listed principal atomically: all of them
// must hold an entry, or nothing changes.
func (s *InMemory) RemoveGrantBatch(ctx context.Context, call Call, key string, principals []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if !a.canManage(call.Caller, call.Now) {
		return fmt.Errorf("%w: caller holds no live authorization on %s", ErrUnauthorized, key)
	}
	for i, p := range principals {
		if _, ok := a.index[p]; !ok {
			return fmt.Errorf("%w: no authorization for %s on %s (position %d)", ErrNotFound, p, key, i)
		}
	}
	for _, p := range principals {
		a.grants[a.index[p]].Active = false
		s.emit(events.Event{
			Type:       events.TypeGrantRemoved,
			Key:        key,
			Principal:  p,
			OccurredAt: call.Now,
		})
	}
	return nil
}

func (s *InMemory) removeGrantLocked(call Call, key, principal string) error {
	a, ok := s.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	if !a.canManage(call.Caller, call.Now) {
		return fmt.Errorf("%w: caller holds no live authorization on %s", ErrUnauthorized, key)
	}
	slot, ok := a.index[principal]
	if !ok {
		return fmt.Errorf("%w: no authorization for %s on %s", ErrNotFound, principal, key)
	}
	// Revocation is a gate, not a deletion: the entry stays enumerable.
	a.grants[slot].Active = false
	s.emit(events.Event{
		Type:       events.TypeGrantRemoved,
		Key:        key,
		Principal:  principal,
		OccurredAt: call.Now,
	})
	return nil
}

// GetGrant is total: an unknown asset or principal yields the zero Grant.
func (s *InMemory) GetGrant(ctx context.Context, key, principal string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[key]
	if !ok {
		return Grant{}, nil
	}
	slot, ok := a.index[principal]
	if !ok {
		return Grant{}, nil
	}
	return a.grants[slot], nil
}

func (s *InMemory) GrantCount(ctx context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[key]
	if !ok {
		return 0, nil
	}
	return len(a.grants), nil
}

func (s *InMemory) GrantAt(ctx context.Context, key string, index int) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[key]
	if !ok || index < 0 || index >= len(a.grants) {
		return Grant{}, fmt.Errorf("%w: grant index %d on %s", ErrIndexOutOfRange, index, key)
	}
	return a.grants[index], nil
}

// Access evaluates the caller's access to an asset and emits an access.log
// event whether granted or denied. Ownership always wins, even over a
// revoked or expired entry the owner may also hold.
func (s *InMemory) Access(ctx context.Context, call Call, key string) (Decision, error) {
	s.mu.RLock()
	a, ok := s.assets[key]
	if !ok {
		s.mu.RUnlock()
		return Decision{}, fmt.Errorf("%w: asset %s", ErrNotFound, key)
	}
	granted := a.asset.Owner == call.Caller
	if !granted {
		if slot, found := a.index[call.Caller]; found {
			granted = a.grants[slot].LiveAt(call.Now)
		}
	}
	s.mu.RUnlock()

	s.emit(events.Event{
		Type:       events.TypeAccessLog,
		Key:        key,
		Principal:  call.Caller,
		Granted:    granted,
		OccurredAt: call.Now,
	})
	return Decision{Key: key, Principal: call.Caller, Granted: granted, EvaluatedAt: call.Now}, nil
}

// IsAuthorized is the pure read twin of Access: no event, no mutation, total
// over missing assets. Expiry is recomputed from the stored timestamp and
// the supplied instant on every call.
func (s *InMemory) IsAuthorized(ctx context.Context, key, principal string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[key]
	if !ok {
		return false, nil
	}
	if a.asset.Owner == principal {
		return true, nil
	}
	slot, ok := a.index[principal]
	if !ok {
		return false, nil
	}
	return a.grants[slot].LiveAt(now), nil
}
