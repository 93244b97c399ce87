// Package slug derives unique, URL-safe tenant identifiers from display names.
package slug

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fallback is used when a name normalizes to nothing (e.g. "!!!" or "†").
const Fallback = "igreja"

// MaxBaseLength caps the normalized base, leaving room for a numeric suffix.
const MaxBaseLength = 56

// maxAttempts bounds suffix probing so a broken Checker cannot spin forever.
const maxAttempts = 10000

var ErrExhausted = errors.New("slug: no free suffix found")

// Normalize folds a display name into a slug base: diacritics stripped,
// lowercased, runs of anything but [a-z0-9] collapsed to a single "-",
// separators trimmed from both ends.
func Normalize(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sep := pendingSep && b.Len() > 0
			need := 1
			if sep {
				need = 2
			}
			if b.Len()+need > MaxBaseLength {
				break
			}
			if sep {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}

	if b.Len() == 0 {
		return Fallback
	}
	return b.String()
}

// Checker reports whether a slug is already assigned to a tenant.
type Checker interface {
	SlugExists(ctx context.Context, slug string) (bool, error)
}

// Allocator picks the first free slug among base, base-2, base-3, ...
//
// Two callers racing on the same name may both see a slug as free; the
// tenant store's unique constraint rejects the loser, which retries and
// then observes the next suffix.
type Allocator struct {
	checker Checker
}

func NewAllocator(c Checker) *Allocator {
	return &Allocator{checker: c}
}

// Allocate returns an unused slug for displayName.
func (a *Allocator) Allocate(ctx context.Context, displayName string) (string, error) {
	base := Normalize(displayName)
	candidate := base
	for n := 2; n <= maxAttempts; n++ {
		taken, err := a.checker.SlugExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("slug: check %q: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + "-" + strconv.Itoa(n)
	}
	return "", fmt.Errorf("%w: %s", ErrExhausted, base)
}
