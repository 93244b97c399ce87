package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/ekklesia/internal/pgutil"
)

// constraintSlug is the unique index on tenants.slug.
const constraintSlug = "tenants_slug_key"

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore creates a tenant store over a *sql.DB or *sql.Tx.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, slug, name, tax_id, address, responsible_name,
		responsible_email, responsible_phone, responsible_user_id, active,
		subscription_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Slug, t.Name, pgutil.NullString(t.TaxID), pgutil.NullString(t.Address),
		pgutil.NullString(t.ResponsibleName), pgutil.NullString(t.ResponsibleEmail),
		pgutil.NullString(t.ResponsiblePhone), t.ResponsibleUserID, t.Active,
		pgutil.NullString(t.SubscriptionID), t.CreatedAt, t.UpdatedAt,
	)
	return insertError(err)
}

// insertError maps a failed INSERT. Only the slug index means the slug
// is taken; any other violation (a reused ID) is a plain error.
func insertError(err error) error {
	if err == nil {
		return nil
	}
	if pgutil.IsUniqueViolation(err) && pgutil.Constraint(err) == constraintSlug {
		return ErrSlugTaken
	}
	return fmt.Errorf("tenant: insert: %w", err)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1)`, slug).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) LinkSubscription(ctx context.Context, tenantID, subscriptionID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET subscription_id = $1, updated_at = $2 WHERE id = $3`,
		subscriptionID, at, tenantID)
	if err != nil {
		return fmt.Errorf("tenant: link subscription: %w", err)
	}
	return pgutil.RequireRow(res, ErrTenantNotFound)
}

func scanTenant(s pgutil.Scanner) (*Tenant, error) {
	t := &Tenant{}
	var taxID, address, respName, respEmail, respPhone, subID sql.NullString
	err := s.Scan(&t.ID, &t.Slug, &t.Name, &taxID, &address, &respName,
		&respEmail, &respPhone, &t.ResponsibleUserID, &t.Active,
		&subID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.TaxID = taxID.String
	t.Address = address.String
	t.ResponsibleName = respName.String
	t.ResponsibleEmail = respEmail.String
	t.ResponsiblePhone = respPhone.String
	t.SubscriptionID = subID.String
	return t, nil
}

var _ Store = (*PostgresStore)(nil)
