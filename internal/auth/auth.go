package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// Verifier checks the shared service credential carried in the request's
// auth field against a bcrypt hash configured at startup.
type Verifier struct {
	hash []byte
}

func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: []byte(hash)}
}

// Verify reports whether candidate matches the configured hash. A verifier
// built from an empty hash rejects everything.
func (v *Verifier) Verify(candidate string) bool {
	if len(v.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(candidate)) == nil
}

// HashPassword produces a bcrypt hash suitable for MAILER_AUTH_HASH. Used by
// the hash-password CLI helper.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
