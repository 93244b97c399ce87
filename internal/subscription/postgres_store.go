package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbd888/ekklesia/internal/pgutil"
	"github.com/mbd888/ekklesia/internal/plans"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const subscriptionColumns = `id, plan_type, holder_type, holder_id, status,
		started_at, expires_at, cancelled_at, superseded_by, payment_id,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, string(s.PlanType), string(s.HolderType), s.HolderID, string(s.Status),
		s.StartedAt, s.ExpiresAt, pgutil.NullTime(s.CancelledAt),
		pgutil.NullString(s.SupersededBy), pgutil.NullString(s.PaymentID),
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("subscription: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s, err := scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return s, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Subscription, error) {
	q := psql.Select(subscriptionColumns).From("subscriptions").
		OrderBy("expires_at ASC", "id ASC")
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.HolderType != "" {
		q = q.Where(sq.Eq{"holder_type": string(f.HolderType)})
	}
	if f.HolderID != "" {
		q = q.Where(sq.Eq{"holder_id": f.HolderID})
	}
	if f.ExpiresBefore != nil {
		q = q.Where(sq.LtOrEq{"expires_at": *f.ExpiresBefore})
	}
	switch {
	case f.ExpiresAfter != nil && f.AfterID != "":
		q = q.Where(sq.Expr("(expires_at, id) > (?, ?)", *f.ExpiresAfter, f.AfterID))
	case f.ExpiresAfter != nil:
		q = q.Where(sq.Gt{"expires_at": *f.ExpiresAfter})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("subscription: build list query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	var cancelledAt sql.NullTime
	if to == StatusCancelled {
		cancelledAt = sql.NullTime{Time: at, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = $2, cancelled_at = COALESCE($3, cancelled_at)
		WHERE id = $4 AND status = $5`,
		string(to), at, cancelledAt, id, string(from))
	if err != nil {
		return fmt.Errorf("subscription: transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Distinguish a missing row from a lost race.
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSubscriptionNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) Supersede(ctx context.Context, id, newer string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subscriptions SET superseded_by = $1, updated_at = $2 WHERE id = $3`,
		newer, at, id)
	if err != nil {
		return fmt.Errorf("subscription: supersede: %w", err)
	}
	return pgutil.RequireRow(res, ErrSubscriptionNotFound)
}

func scanSubscription(s pgutil.Scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		planType, holderType, status string
		cancelledAt                  sql.NullTime
		supersededBy, paymentID      sql.NullString
	)
	err := s.Scan(&sub.ID, &planType, &holderType, &sub.HolderID, &status,
		&sub.StartedAt, &sub.ExpiresAt, &cancelledAt, &supersededBy, &paymentID,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.PlanType = plans.Type(planType)
	sub.HolderType = HolderType(holderType)
	sub.Status = Status(status)
	sub.CancelledAt = pgutil.TimePtr(cancelledAt)
	sub.SupersededBy = supersededBy.String
	sub.PaymentID = paymentID.String
	return sub, nil
}

var _ Store = (*PostgresStore)(nil)
