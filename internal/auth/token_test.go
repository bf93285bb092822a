package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestIssueAndVerifyInviteToken(t *testing.T) {
	token, hash, err := IssueInviteToken("inv_1")
	if err != nil {
		t.Fatalf("IssueInviteToken() error = %v", err)
	}
	if strings.Contains(hash, token) {
		t.Fatal("hash must not contain the token")
	}
	id, secret, err := ParseInviteToken(token)
	if err != nil {
		t.Fatalf("ParseInviteToken() error = %v", err)
	}
	if id != "inv_1" {
		t.Fatalf("invitation id = %q, want inv_1", id)
	}
	if err := VerifyInviteSecret(hash, secret); err != nil {
		t.Fatalf("VerifyInviteSecret() error = %v", err)
	}
	if err := VerifyInviteSecret(hash, secret+"x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("VerifyInviteSecret(tampered) = %v, want ErrInvalidToken", err)
	}
}

func TestParseInviteTokenRejectsMalformed(t *testing.T) {
	cases := []string{"", "inv_1", ".secret", "inv_1.", "   "}
	for _, token := range cases {
		if _, _, err := ParseInviteToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("ParseInviteToken(%q) = %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("HashToken is not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct tokens share a hash")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("hash length = %d, want 64", len(HashToken("abc")))
	}
}

func TestNewTokenIsRandom(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	b, _ := NewToken()
	if a == b || len(a) != 64 {
		t.Fatalf("tokens %q and %q", a, b)
	}
}
