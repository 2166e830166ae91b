package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"grantledger.org/internal/roles"
)

var _ roles.Store = (*Store)(nil)

// Set records a standalone (principal, role name) flag. Re-assigning an
// existing pair only bumps updated_at.
func (s *Store) Set(ctx context.Context, principal, role string, assigned bool) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_flags(principal, role_name, assigned, updated_at)
		values ($1, $2, $3, $4)
		on conflict (principal, role_name) do update
		set assigned = excluded.assigned, updated_at = excluded.updated_at
	`, principal, role, assigned, time.Now().UTC())
	return err
}

// IsAssigned reads the stored flag. Unknown pairs read as false.
func (s *Store) IsAssigned(ctx context.Context, principal, role string) (bool, error) {
	var assigned bool
	err := s.db.QueryRowContext(ctx, `
		select assigned from role_flags where principal = $1 and role_name = $2
	`, principal, role).Scan(&assigned)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return assigned, err
}
