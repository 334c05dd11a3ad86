package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	if _, err := uuid.Parse(New()); err != nil {
		t.Fatalf("New() is not a UUID: %v", err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("tx_")
	if !strings.HasPrefix(id, "tx_") {
		t.Fatalf("missing prefix: %s", id)
	}
	if len(id) != len("tx_")+24 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
	if WithPrefix("tx_") == id {
		t.Error("expected distinct ids")
	}
}

func TestToken(t *testing.T) {
	tok := Token()
	if len(tok) != 32 || strings.Contains(tok, "-") {
		t.Errorf("unexpected token %q", tok)
	}
}

func TestVerificationCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code := VerificationCode()
		if len(code) != VerificationCodeLength {
			t.Fatalf("unexpected length %d", len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside alphabet", code, r)
			}
		}
	}
}
