package pgutil

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestIsUniqueViolation(t *testing.T) {
	dup := &pq.Error{Code: "23505", Constraint: "tenants_slug_key"}
	assert.True(t, IsUniqueViolation(dup))
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.Equal(t, "tenants_slug_key", Constraint(fmt.Errorf("insert: %w", dup)))

	assert.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.False(t, IsUniqueViolation(nil))
	assert.Empty(t, Constraint(errors.New("boom")))
}

func TestRequireRow(t *testing.T) {
	notFound := errors.New("not found")
	assert.NoError(t, RequireRow(fakeResult{rows: 1}, notFound))
	assert.ErrorIs(t, RequireRow(fakeResult{rows: 0}, notFound), notFound)

	driverErr := errors.New("driver")
	assert.ErrorIs(t, RequireRow(fakeResult{err: driverErr}, notFound), driverErr)
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.Equal(t, sql.NullString{String: "x", Valid: true}, NullString("x"))

	assert.False(t, NullTime(nil).Valid)
	now := time.Now()
	nt := NullTime(&now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, *TimePtr(nt))
	assert.Nil(t, TimePtr(sql.NullTime{}))
}
