package payment

import (
	"context"

	"github.com/mbd888/ekklesia/internal/idgen"
)

// CodeLength is the length of generated confirmation codes.
const CodeLength = 8

// CodeGenerator produces confirmation codes unique across all payments.
type CodeGenerator interface {
	Generate(ctx context.Context) (string, error)
}

// CodeChecker reports whether a code is already assigned.
type CodeChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// RandomCodes draws Crockford codes and skips ones already in use. The
// store's unique constraint still decides races between two draws.
type RandomCodes struct {
	checker  CodeChecker
	attempts int
}

func NewRandomCodes(checker CodeChecker) *RandomCodes {
	return &RandomCodes{checker: checker, attempts: 10}
}

func (r *RandomCodes) Generate(ctx context.Context) (string, error) {
	for i := 0; i < r.attempts; i++ {
		code := idgen.Code(CodeLength)
		taken, err := r.checker.CodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}
