// Package idgen provides random ID and human-shareable code generation.
package idgen

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet is Crockford base32 without I, L, O, U so codes survive
// being read aloud or retyped from a bank receipt.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "pay_", "sub_", "ten_").
// Result is prefix + 32 hex chars of a UUIDv4 with dashes removed.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Code generates an n-character uppercase code from the Crockford alphabet.
func Code(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	out := make([]byte, n)
	for i, v := range b {
		// 256 is a multiple of 32, so the modulo is unbiased.
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return string(out)
}

// IsCode reports whether s consists only of code alphabet characters.
func IsCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}
