package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"grantledger.org/internal/acl"
	"grantledger.org/internal/events"
)

// Store persists the asset registry and authorization ledger in Postgres.
// Events are emitted only after the enclosing transaction commits.
type Store struct {
	db   *sql.DB
	sink events.Sink
}

var _ acl.Service = (*Store)(nil)

// New wraps an existing connection. sink may be nil.
func New(db *sql.DB, sink events.Sink) *Store {
	return &Store{db: db, sink: sink}
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string, sink events.Sink) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, sink: sink}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) emit(evt events.Event) {
	if s.sink != nil {
		s.sink.Publish(evt)
	}
}

// isUniqueViolation reports a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) CreateAsset(ctx context.Context, call acl.Call, key, description string) (acl.Asset, error) {
	rawKey := key
	key, description, err := acl.ValidateCreate(key, description)
	if err != nil {
		s.emit(events.Event{
			Type:       events.TypeCreateRejected,
			Principal:  call.Caller,
			Key:        rawKey,
			Reason:     err.Error(),
			OccurredAt: call.Now,
		})
		return acl.Asset{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		insert into assets(key, description, owner, created_at)
		values ($1, $2, $3, $4)
	`, key, description, call.Caller, call.Now)
	if err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %s", acl.ErrDuplicateKey, key)
		}
		s.emit(events.Event{
			Type:       events.TypeCreateRejected,
			Principal:  call.Caller,
			Key:        key,
			Reason:     err.Error(),
			OccurredAt: call.Now,
		})
		return acl.Asset{}, err
	}

	s.emit(events.Event{
		Type:        events.TypeAssetCreated,
		Principal:   call.Caller,
		Key:         key,
		Description: description,
		OccurredAt:  call.Now,
	})
	return acl.Asset{
		Key:         key,
		Description: description,
		Owner:       call.Caller,
		Initialized: true,
		CreatedAt:   call.Now,
	}, nil
}

// GetAsset is total over the key space: a missing asset comes back with
// Initialized=false instead of an error.
func (s *Store) GetAsset(ctx context.Context, key string) (acl.Asset, error) {
	var a acl.Asset
	err := s.db.QueryRowContext(ctx, `
		select a.key, a.description, a.owner, a.created_at,
		       (select count(*) from authorizations g where g.asset_key = a.key)
		from assets a where a.key = $1
	`, key).Scan(&a.Key, &a.Description, &a.Owner, &a.CreatedAt, &a.GrantCount)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Asset{Key: key}, nil
	}
	if err != nil {
		return acl.Asset{}, err
	}
	a.Initialized = true
	return a, nil
}

func (s *Store) AssetCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from assets`).Scan(&n)
	return n, err
}

func (s *Store) AssetKeyAt(ctx context.Context, index int) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: asset index %d", acl.ErrIndexOutOfRange, index)
	}
	var key string
	err := s.db.QueryRowContext(ctx, `
		select key from assets order by position asc offset $1 limit 1
	`, index).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: asset index %d", acl.ErrIndexOutOfRange, index)
	}
	return key, err
}

func (s *Store) TransferOwnership(ctx context.Context, call acl.Call, key, newOwner string) (acl.Asset, error) {
	if acl.ZeroPrincipal(newOwner) {
		return acl.Asset{}, fmt.Errorf("%w: new owner", acl.ErrInvalidPrincipal)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return acl.Asset{}, err
	}
	defer func() { _ = tx.Rollback() }()

	asset, err := lockAsset(ctx, tx, key)
	if err != nil {
		return acl.Asset{}, err
	}
	if asset.Owner != call.Caller {
		return acl.Asset{}, fmt.Errorf("%w: only the owner may transfer %s", acl.ErrUnauthorized, key)
	}
	if _, err := tx.ExecContext(ctx, `update assets set owner = $2 where key = $1`, key, newOwner); err != nil {
		return acl.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return acl.Asset{}, err
	}

	s.emit(events.Event{
		Type:       events.TypeOwnerTransferred,
		Key:        key,
		OldOwner:   asset.Owner,
		NewOwner:   newOwner,
		OccurredAt: call.Now,
	})
	asset.Owner = newOwner
	return asset, nil
}

// lockAsset loads an asset row FOR UPDATE inside a transaction.
func lockAsset(ctx context.Context, tx *sql.Tx, key string) (acl.Asset, error) {
	var a acl.Asset
	err := tx.QueryRowContext(ctx, `
		select key, description, owner, created_at from assets where key = $1 for update
	`, key).Scan(&a.Key, &a.Description, &a.Owner, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Asset{}, fmt.Errorf("%w: asset %s", acl.ErrNotFound, key)
	}
	if err != nil {
		return acl.Asset{}, err
	}
	a.Initialized = true
	return a, nil
}

// canManage implements the delegation rule inside a transaction: the owner,
// or any principal holding a live (active, non-expired) grant, may manage
// authorizations on the asset.
func canManage(ctx context.Context, tx *sql.Tx, asset acl.Asset, caller string, now time.Time) (bool, error) {
	if asset.Owner == caller {
		return true, nil
	}
	var live bool
	err := tx.QueryRowContext(ctx, `
		select active and (expires_at is null or expires_at > $3)
		from authorizations where asset_key = $1 and principal = $2
	`, asset.Key, caller, now).Scan(&live)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return live, err
}

// upsertGrant appends a grant slot on first sight of the principal and
// overwrites role, expiry and active in place afterwards. position survives
// re-grants so enumeration order stays stable.
func upsertGrant(ctx context.Context, tx *sql.Tx, key, principal string, role acl.Role, expiresAt *time.Time, now time.Time) error {
	var expires sql.NullTime
	if expiresAt != nil {
		expires = sql.NullTime{Time: *expiresAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		insert into authorizations(asset_key, principal, role, active, expires_at, position, created_at, updated_at)
		values ($1, $2, $3, true, $4,
		        (select count(*) from authorizations where asset_key = $1),
		        $5, $5)
		on conflict (asset_key, principal) do update
		set role = excluded.role, active = true, expires_at = excluded.expires_at, updated_at = excluded.updated_at
	`, key, principal, string(role), expires, now)
	return err
}

func (s *Store) AddGrant(ctx context.Context, call acl.Call, key, principal string, role acl.Role, duration time.Duration) (acl.Grant, error) {
	role, err := acl.ParseRole(string(role))
	if err != nil {
		return acl.Grant{}, err
	}
	if acl.ZeroPrincipal(principal) {
		return acl.Grant{}, fmt.Errorf("%w: grantee", acl.ErrInvalidPrincipal)
	}
	expiresAt, err := acl.GrantExpiry(role, duration, call.Now)
	if err != nil {
		return acl.Grant{}, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return acl.Grant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	asset, err := lockAsset(ctx, tx, key)
	if err != nil {
		return acl.Grant{}, err
	}
	ok, err := canManage(ctx, tx, asset, call.Caller, call.Now)
	if err != nil {
		return acl.Grant{}, err
	}
	if !ok {
		return acl.Grant{}, fmt.Errorf("%w: caller holds no live authorization on %s", acl.ErrUnauthorized, key)
	}
	if err := upsertGrant(ctx, tx, key, principal, role, expiresAt, call.Now); err != nil {
		return acl.Grant{}, err
	}

	var g acl.Grant
	var expires sql.NullTime
	err = tx.QueryRowContext(ctx, `
		select principal, role, active, expires_at, position
		from authorizations where asset_key = $1 and principal = $2
	`, key, principal).Scan(&g.Principal, &g.Role, &g.Active, &expires, &g.Index)
	if err != nil {
		return acl.Grant{}, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	if err := tx.Commit(); err != nil {
		return acl.Grant{}, err
	}

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

func (s *Store) AddGrantBatch(ctx context.Context, call acl.Call, key string, principals []string, roles []acl.Role) error {
	return s.AddGrantBatchWithDuration(ctx, call, key, principals, roles, nil)
}

// AddGrantBatchWithDuration validates every element before applying any and
// runs all upserts in one transaction, so a failure leaves the ledger
// untouched. durations may be nil for the no-expiry variant.
func (s *Store) AddGrantBatchWithDuration(ctx context.Context, call acl.Call, key string, principals []string, roles []acl.Role, durations []time.Duration) error {
	if len(principals) != len(roles) || (durations != nil && len(durations) != len(principals)) {
		return fmt.Errorf("%w: %d principals, %d roles, %d durations",
			acl.ErrLengthMismatch, len(principals), len(roles), len(durations))
	}

	parsed := make([]acl.Role, len(roles))
	expiries := make([]*time.Time, len(principals))
	for i := range principals {
		role, err := acl.ParseRole(string(roles[i]))
		if err != nil {
			return err
		}
		if acl.ZeroPrincipal(principals[i]) {
			return fmt.Errorf("%w: grantee at position %d", acl.ErrInvalidPrincipal, i)
		}
		var duration time.Duration
		if durations != nil {
			duration = durations[i]
		}
		expiresAt, err := acl.GrantExpiry(role, duration, call.Now)
		if err != nil {
			return fmt.Errorf("%w (position %d)", err, i)
		}
		parsed[i] = role
		expiries[i] = expiresAt
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	asset, err := lockAsset(ctx, tx, key)
	if err != nil {
		return err
	}
	ok, err := canManage(ctx, tx, asset, call.Caller, call.Now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: caller holds no live authorization on %s", acl.ErrUnauthorized, key)
	}
	for i := range principals {
		if err := upsertGrant(ctx, tx, key, principals[i], parsed[i], expiries[i], call.Now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for i := range principals {
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

func (s *Store) RemoveGrant(ctx context.Context, call acl.Call, key, principal string) error {
	return s.RemoveGrantBatch(ctx, call, key, []string{principal})
}

// RemoveGrantBatch revokes every listed principal atomically: all of them
// must hold an entry, or nothing changes. Revocation is a gate, not a
// deletion: the rows stay enumerable with active=false.
func (s *Store) RemoveGrantBatch(ctx context.Context, call acl.Call, key string, principals []string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	asset, err := lockAsset(ctx, tx, key)
	if err != nil {
		return err
	}
	ok, err := canManage(ctx, tx, asset, call.Caller, call.Now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: caller holds no live authorization on %s", acl.ErrUnauthorized, key)
	}
	for i, p := range principals {
		res, err := tx.ExecContext(ctx, `
			update authorizations set active = false, updated_at = $3
			where asset_key = $1 and principal = $2
		`, key, p, call.Now)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: no authorization for %s on %s (position %d)", acl.ErrNotFound, p, key, i)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, p := range principals {
		s.emit(events.Event{
			Type:       events.TypeGrantRemoved,
			Key:        key,
			Principal:  p,
			OccurredAt: call.Now,
		})
	}
	return nil
}

// GetGrant is total: an unknown asset or principal yields the zero Grant.
func (s *Store) GetGrant(ctx context.Context, key, principal string) (acl.Grant, error) {
	var g acl.Grant
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select principal, role, active, expires_at, position
		from authorizations where asset_key = $1 and principal = $2
	`, key, principal).Scan(&g.Principal, &g.Role, &g.Active, &expires, &g.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Grant{}, nil
	}
	if err != nil {
		return acl.Grant{}, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return g, nil
}

func (s *Store) GrantCount(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from authorizations where asset_key = $1
	`, key).Scan(&n)
	return n, err
}

func (s *Store) GrantAt(ctx context.Context, key string, index int) (acl.Grant, error) {
	if index < 0 {
		return acl.Grant{}, fmt.Errorf("%w: grant index %d on %s", acl.ErrIndexOutOfRange, index, key)
	}
	var g acl.Grant
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select principal, role, active, expires_at, position
		from authorizations where asset_key = $1 and position = $2
	`, key, index).Scan(&g.Principal, &g.Role, &g.Active, &expires, &g.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Grant{}, fmt.Errorf("%w: grant index %d on %s", acl.ErrIndexOutOfRange, index, key)
	}
	if err != nil {
		return acl.Grant{}, err
	}
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return g, nil
}

// Access evaluates the caller's access and emits an access.log event whether
// granted or denied.
func (s *Store) Access(ctx context.Context, call acl.Call, key string) (acl.Decision, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `select owner from assets where key = $1`, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return acl.Decision{}, fmt.Errorf("%w: asset %s", acl.ErrNotFound, key)
	}
	if err != nil {
		return acl.Decision{}, err
	}

	granted := owner == call.Caller
	if !granted {
		granted, err = s.liveGrant(ctx, key, call.Caller, call.Now)
		if err != nil {
			return acl.Decision{}, err
		}
	}

	s.emit(events.Event{
		Type:       events.TypeAccessLog,
		Key:        key,
		Principal:  call.Caller,
		Granted:    granted,
		OccurredAt: call.Now,
	})
	return acl.Decision{Key: key, Principal: call.Caller, Granted: granted, EvaluatedAt: call.Now}, nil
}

// IsAuthorized is the pure read twin of Access: no event, total over missing
// assets. Expiry is recomputed against the supplied instant on every call.
func (s *Store) IsAuthorized(ctx context.Context, key, principal string, now time.Time) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `select owner from assets where key = $1`, key).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if owner == principal {
		return true, nil
	}
	return s.liveGrant(ctx, key, principal, now)
}

func (s *Store) liveGrant(ctx context.Context, key, principal string, now time.Time) (bool, error) {
	var live bool
	err := s.db.QueryRowContext(ctx, `
		select active and (expires_at is null or expires_at > $3)
		from authorizations where asset_key = $1 and principal = $2
	`, key, principal, now).Scan(&live)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return live, err
}
