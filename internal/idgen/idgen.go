// Package idgen provides random identifier, token and code generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet omits characters that are easy to misread at a counter (0/O, 1/I/L).
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// VerificationCodeLength is the length of codes printed on receipts and read
// out by merchants.
const VerificationCodeLength = 8

// New generates a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "tx_", "ses_", "pay_").
// Result is prefix + 24 hex chars taken from a fresh UUID.
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:12])
}

// Token returns an opaque 32-hex-char token suitable for QR payloads.
func Token() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// VerificationCode returns an uppercase code drawn from codeAlphabet.
func VerificationCode() string {
	b := make([]byte, VerificationCodeLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
