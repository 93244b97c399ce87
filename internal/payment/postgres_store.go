package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbd888/ekklesia/internal/money"
	"github.com/mbd888/ekklesia/internal/pgutil"
	"github.com/mbd888/ekklesia/internal/plans"
)

// Constraint names from the migrations.
const (
	constraintOpenPerPlan = "pending_payments_open_per_plan"
	constraintCode        = "pending_payments_confirmation_code_key"
)

// PostgresStore persists payments in PostgreSQL.
type PostgresStore struct {
	db pgutil.DBTX
}

// NewPostgresStore creates a payment store over a *sql.DB or *sql.Tx.
func NewPostgresStore(db pgutil.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const paymentColumns = `id, user_id, requester_email, plan_type, amount_cents,
		church, confirmation_code, status, rejection_reason, reviewed_by,
		reviewed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pp *PendingPayment) error {
	var church []byte
	if pp.Church != nil {
		var err error
		if church, err = json.Marshal(pp.Church); err != nil {
			return fmt.Errorf("payment: encode church payload: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pp.ID, pp.UserID, pgutil.NullString(pp.RequesterEmail), string(pp.PlanType), int64(pp.Amount),
		pgutil.NullString(string(church)), pp.ConfirmationCode, string(pp.Status), pgutil.NullString(pp.RejectionReason),
		pgutil.NullString(pp.ReviewedBy), pgutil.NullTime(pp.ReviewedAt), pp.CreatedAt, pp.UpdatedAt,
	)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			switch pgutil.Constraint(err) {
			case constraintOpenPerPlan:
				return ErrDuplicatePending
			case constraintCode:
				return ErrCodeTaken
			}
		}
		return fmt.Errorf("payment: insert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PendingPayment, error) {
	return p.getOne(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE id = $1`, id)
}

func (p *PostgresStore) GetForUpdate(ctx context.Context, id string) (*PendingPayment, error) {
	return p.getOne(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE id = $1 FOR UPDATE`, id)
}

func (p *PostgresStore) FindPending(ctx context.Context, userID string, plan plans.Type) (*PendingPayment, error) {
	return p.getOne(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE user_id = $1 AND plan_type = $2 AND status = 'pending'`,
		userID, string(plan))
}

func (p *PostgresStore) getOne(ctx context.Context, query string, args ...any) (*PendingPayment, error) {
	pp, err := scanPayment(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pp, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*PendingPayment, error) {
	return p.List(ctx, ListFilter{UserID: userID, Limit: limit})
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*PendingPayment, error) {
	q := psql.Select(paymentColumns).From("pending_payments").
		OrderBy("created_at DESC", "id DESC")
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.UserID != "" {
		q = q.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.PlanType != "" {
		q = q.Where(sq.Eq{"plan_type": string(f.PlanType)})
	}
	if f.Cursor != nil {
		q = q.Where(sq.Expr("(created_at, id) < (?, ?)", f.Cursor.CreatedAt, f.Cursor.ID))
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("payment: build list query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*PendingPayment
	for rows.Next() {
		pp, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_payments WHERE confirmation_code = $1)`, code).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, r Resolution) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_payments
		SET status = $1, rejection_reason = $2, reviewed_by = $3, reviewed_at = $4, updated_at = $4
		WHERE id = $5 AND status = 'pending'`,
		string(r.Status), pgutil.NullString(r.Reason), r.ReviewerID, r.At, id)
	if err != nil {
		return fmt.Errorf("payment: resolve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrPaymentNotFound
	}
	return ErrAlreadyProcessed
}

func scanPayment(s pgutil.Scanner) (*PendingPayment, error) {
	pp := &PendingPayment{}
	var (
		planType, status          string
		amount                    int64
		church                    []byte
		email, reason, reviewedBy sql.NullString
		reviewedAt                sql.NullTime
	)
	err := s.Scan(&pp.ID, &pp.UserID, &email, &planType, &amount,
		&church, &pp.ConfirmationCode, &status, &reason, &reviewedBy,
		&reviewedAt, &pp.CreatedAt, &pp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	pp.RequesterEmail = email.String
	pp.PlanType = plans.Type(planType)
	pp.Amount = money.Cents(amount)
	pp.Status = Status(status)
	pp.RejectionReason = reason.String
	pp.ReviewedBy = reviewedBy.String
	pp.ReviewedAt = pgutil.TimePtr(reviewedAt)
	if len(church) > 0 {
		pp.Church = &ChurchPayload{}
		if err := json.Unmarshal(church, pp.Church); err != nil {
			return nil, fmt.Errorf("payment: decode church payload: %w", err)
		}
	}
	return pp, nil
}

var _ Store = (*PostgresStore)(nil)
