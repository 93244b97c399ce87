package slug

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setChecker struct {
	mu    sync.Mutex
	taken map[string]bool
	calls []string
	err   error
}

func newSetChecker(taken ...string) *setChecker {
	c := &setChecker{taken: make(map[string]bool)}
	for _, s := range taken {
		c.taken[s] = true
	}
	return c
}

func (c *setChecker) SlugExists(_ context.Context, s string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
	if c.err != nil {
		return false, c.err
	}
	return c.taken[s], nil
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Igreja Monte Hebrom", "igreja-monte-hebrom"},
		{"Comunidade Luz", "comunidade-luz"},
		{"  Assembléia de Deus — São João  ", "assembleia-de-deus-sao-joao"},
		{"Igreja Batista   Ação & Graça!!", "igreja-batista-acao-graca"},
		{"ÇÃO", "cao"},
		{"Church #1", "church-1"},
		{"---", Fallback},
		{"", Fallback},
		{"†✝", Fallback},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "Normalize(%q)", tt.in)
	}
}

func TestNormalize_Length(t *testing.T) {
	got := Normalize(strings.Repeat("ab ", 100))
	assert.LessOrEqual(t, len(got), MaxBaseLength)
	assert.False(t, strings.HasSuffix(got, "-"))
	assert.False(t, strings.HasPrefix(got, "-"))
}

func TestAllocate_Free(t *testing.T) {
	a := NewAllocator(newSetChecker())
	got, err := a.Allocate(context.Background(), "Comunidade Luz")
	require.NoError(t, err)
	assert.Equal(t, "comunidade-luz", got)
}

func TestAllocate_SuffixesMonotonically(t *testing.T) {
	checker := newSetChecker("igreja-monte-hebrom")
	a := NewAllocator(checker)

	got, err := a.Allocate(context.Background(), "Igreja Monte Hebrom")
	require.NoError(t, err)
	assert.Equal(t, "igreja-monte-hebrom-2", got)

	checker.taken[got] = true
	got, err = a.Allocate(context.Background(), "Igreja Monte Hebrom")
	require.NoError(t, err)
	assert.Equal(t, "igreja-monte-hebrom-3", got)
}

func TestAllocate_CheckerError(t *testing.T) {
	checker := newSetChecker()
	checker.err = errors.New("db down")
	_, err := NewAllocator(checker).Allocate(context.Background(), "X")
	assert.ErrorIs(t, err, checker.err)
}

type alwaysTaken struct{}

func (alwaysTaken) SlugExists(context.Context, string) (bool, error) { return true, nil }

func TestAllocate_Exhausted(t *testing.T) {
	_, err := NewAllocator(alwaysTaken{}).Allocate(context.Background(), "X")
	assert.ErrorIs(t, err, ErrExhausted)
}
