// Package auth issues and verifies the opaque tokens crewspace hands out:
// invitation accept tokens and identity session tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidToken = errors.New("invalid token")

// NewToken returns 32 random bytes, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken is the lookup key of a session token. Sessions are looked up by
// hash, so it has to be deterministic.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// IssueInviteToken returns the token handed to the invitee and the bcrypt
// hash stored on the invitation. The token embeds the invitation ID so the
// row can be found before the secret is compared.
func IssueInviteToken(invitationID string) (token, hash string, err error) {
	secret, err := NewToken()
	if err != nil {
		return "", "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash invite token: %w", err)
	}
	return invitationID + "." + secret, string(hashed), nil
}

// ParseInviteToken splits a token from IssueInviteToken.
func ParseInviteToken(token string) (invitationID, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidToken
	}
	return id, secret, nil
}

// VerifyInviteSecret compares secret against the stored hash.
func VerifyInviteSecret(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidToken
	}
	return nil
}
