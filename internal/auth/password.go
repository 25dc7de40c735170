package auth

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// IssuerKey guards token issuance. Only its bcrypt hash is configured; the
// plaintext is presented by the caller of the token endpoint.
type IssuerKey struct {
	hash []byte
}

// NewIssuerKey wraps a bcrypt hash. An empty hash disables issuance.
func NewIssuerKey(hash string) IssuerKey {
	return IssuerKey{hash: []byte(strings.TrimSpace(hash))}
}

func (k IssuerKey) Enabled() bool { return len(k.hash) > 0 }

// Verify compares the presented key with the configured hash.
func (k IssuerKey) Verify(presented string) error {
	if !k.Enabled() {
		return errors.New("token issuance is disabled")
	}
	if presented == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(k.hash, []byte(presented)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashIssuerKey produces the value to place in configuration.
func HashIssuerKey(plain string) (string, error) {
	if len(plain) == 0 {
		return "", errors.New("issuer key is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
