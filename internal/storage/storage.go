// Package storage groups the domain stores and runs multi-store units
// of work atomically.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/mbd888/ekklesia/internal/payment"
	"github.com/mbd888/ekklesia/internal/pgutil"
	"github.com/mbd888/ekklesia/internal/profile"
	"github.com/mbd888/ekklesia/internal/subscription"
	"github.com/mbd888/ekklesia/internal/tenant"
)

// Repos is one consistent view of every store. Inside WithinTx all of
// them share the same transaction.
type Repos struct {
	Tenants       tenant.Store
	Profiles      profile.Store
	Subscriptions subscription.Store
	Payments      payment.Store
}

// TxRunner runs fn atomically: either every write fn made through r is
// kept, or none is.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
	// Repos returns stores outside any transaction.
	Repos() Repos
}

type checkpointer interface {
	Checkpoint() func()
}

// MemoryTx serializes units of work over the in-memory stores and undoes
// a failed unit by restoring store snapshots. A snapshot covers a whole
// store, so writes that must survive another unit's rollback go through
// WithinTx too (see PaymentUnit).
type MemoryTx struct {
	mu     sync.Mutex
	repos  Repos
	stores []checkpointer
}

// NewMemory creates fresh in-memory stores.
func NewMemory() *MemoryTx {
	tenants := tenant.NewMemoryStore()
	profiles := profile.NewMemoryStore()
	subs := subscription.NewMemoryStore()
	payments := payment.NewMemoryStore()
	return &MemoryTx{
		repos: Repos{
			Tenants:       tenants,
			Profiles:      profiles,
			Subscriptions: subs,
			Payments:      payments,
		},
		stores: []checkpointer{tenants, profiles, subs, payments},
	}
}

func (m *MemoryTx) Repos() Repos { return m.repos }

func (m *MemoryTx) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	restores := make([]func(), len(m.stores))
	for i, s := range m.stores {
		restores[i] = s.Checkpoint()
	}
	rollback := func() {
		for i := len(restores) - 1; i >= 0; i-- {
			restores[i]()
		}
	}
	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, m.repos); err != nil {
		rollback()
	}
	return err
}

// PostgresTx runs units of work in a READ COMMITTED transaction. Row
// locks (payment.Store.GetForUpdate) and conditional updates provide the
// isolation the units need.
type PostgresTx struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresTx {
	return &PostgresTx{db: db}
}

func (p *PostgresTx) Repos() Repos { return reposFor(p.db) }

func (p *PostgresTx) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, reposFor(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func reposFor(db pgutil.DBTX) Repos {
	return Repos{
		Tenants:       tenant.NewPostgresStore(db),
		Profiles:      profile.NewPostgresStore(db),
		Subscriptions: subscription.NewPostgresStore(db),
		Payments:      payment.NewPostgresStore(db),
	}
}

var (
	_ TxRunner = (*MemoryTx)(nil)
	_ TxRunner = (*PostgresTx)(nil)
)

// PaymentUnit adapts tx for payment.Service.WithUnit, so payment inserts
// are ordered with the other units of work.
func PaymentUnit(tx TxRunner) payment.Unit {
	return func(ctx context.Context, fn func(context.Context, payment.Store) error) error {
		return tx.WithinTx(ctx, func(ctx context.Context, r Repos) error {
			return fn(ctx, r.Payments)
		})
	}
}
