package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ekklesia/internal/pgutil"
)

// PostgresStore persists profiles and role grants in PostgreSQL.
// Global grants are stored with tenant_id = ''.
type PostgresStore struct {
	db pgutil.DBTX
}

func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Profile, error) {
	pr := &Profile{}
	var email, tenantID, subID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, email, tenant_id, subscription_id, updated_at
		FROM profiles WHERE user_id = $1`, userID,
	).Scan(&pr.UserID, &email, &tenantID, &subID, &pr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Email = email.String
	pr.TenantID = tenantID.String
	pr.SubscriptionID = subID.String
	return pr, nil
}

// upsertColumn writes one nullable column, creating the row if missing.
// column is always a package constant.
func (p *PostgresStore) upsertColumn(ctx context.Context, column, userID, value string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, `+column+`, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET `+column+` = EXCLUDED.`+column+`, updated_at = EXCLUDED.updated_at`,
		userID, pgutil.NullString(value), at)
	if err != nil {
		return fmt.Errorf("profile: set %s: %w", column, err)
	}
	return nil
}

func (p *PostgresStore) SetEmail(ctx context.Context, userID, email string, at time.Time) error {
	return p.upsertColumn(ctx, "email", userID, email, at)
}

func (p *PostgresStore) SetTenant(ctx context.Context, userID, tenantID string, at time.Time) error {
	return p.upsertColumn(ctx, "tenant_id", userID, tenantID, at)
}

func (p *PostgresStore) SetSubscription(ctx context.Context, userID, subscriptionID string, at time.Time) error {
	return p.upsertColumn(ctx, "subscription_id", userID, subscriptionID, at)
}

func (p *PostgresStore) ClearSubscription(ctx context.Context, userID, ifCurrent string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE profiles SET subscription_id = NULL, updated_at = $1
		WHERE user_id = $2 AND subscription_id = $3`,
		at, userID, ifCurrent)
	if err != nil {
		return false, fmt.Errorf("profile: clear subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) GrantRole(ctx context.Context, g *RoleGrant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_grants (id, user_id, role, tenant_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, role, tenant_id) DO NOTHING`,
		g.ID, g.UserID, g.Role, g.TenantID, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("profile: grant role: %w", err)
	}
	return nil
}

func (p *PostgresStore) HasRole(ctx context.Context, userID, role, tenantID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM role_grants WHERE user_id = $1 AND role = $2 AND tenant_id = $3
		)`, userID, role, tenantID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListRoles(ctx context.Context, userID string) ([]*RoleGrant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, role, tenant_id, created_at
		FROM role_grants WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RoleGrant
	for rows.Next() {
		g := &RoleGrant{}
		if err := rows.Scan(&g.ID, &g.UserID, &g.Role, &g.TenantID, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
