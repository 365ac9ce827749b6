package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// IdentityRepo implements storage.IdentityRepository using PostgreSQL.
type IdentityRepo struct {
	db *DB
}

// NewIdentityRepo creates a new PostgreSQL identity repository.
func NewIdentityRepo(db *DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

// LookupByEmail returns the known login for a normalized email.
func (r *IdentityRepo) LookupByEmail(ctx context.Context, email string) (string, bool, error) {
	var login string
	err := r.db.GetContext(ctx, &login, `SELECT login FROM identities WHERE email = $1`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lookup identity: %w", err)
	}
	return login, true, nil
}

// Remember upserts one mapping.
func (r *IdentityRepo) Remember(ctx context.Context, identity domain.Identity) error {
	if _, err := r.db.ExecContext(ctx, upsertIdentitySQL,
		identity.Email, identity.Login, string(identity.Source)); err != nil {
		return fmt.Errorf("failed to remember identity: %w", err)
	}
	return nil
}

const upsertIdentitySQL = `
	INSERT INTO identities (email, login, source)
	VALUES ($1, $2, $3)
	ON CONFLICT (email) DO UPDATE SET
		login = EXCLUDED.login,
		source = EXCLUDED.source,
		updated_at = now()
	WHERE identities.login IS DISTINCT FROM EXCLUDED.login`
