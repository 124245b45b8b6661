package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash stands in for the stored hash of a user that does not exist.
var dummyHash = sync.OnceValue(func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("tagtrace-no-such-user"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("identity: dummy hash: %v", err))
	}
	return string(h)
})

// burnHash runs a password comparison whose result is discarded, so that
// rejected lookups take as long as a wrong password.
var burnHash = func(hash, password string) {
	_ = CheckPassword(hash, password)
}

// Verifier validates user_id/password pairs against a Directory.
type Verifier struct {
	dir Directory
}

// NewVerifier constructs a Verifier.
func NewVerifier(dir Directory) (*Verifier, error) {
	if dir == nil {
		return nil, errors.New("identity: directory is required")
	}
	return &Verifier{dir: dir}, nil
}

// Verify looks the user up and compares credentials. Any mismatch yields
// ErrInvalidCredentials and a zero Profile.
func (v *Verifier) Verify(ctx context.Context, userID, password string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return Profile{}, ErrInvalidCredentials
	}
	acc, err := v.dir.LookupUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			burnHash(dummyHash(), password)
			return Profile{}, ErrInvalidCredentials
		}
		return Profile{}, fmt.Errorf("identity: lookup %s: %w", userID, err)
	}
	if !acc.Active {
		hash := acc.PasswordHash
		if strings.TrimSpace(hash) == "" {
			hash = dummyHash()
		}
		burnHash(hash, password)
		return Profile{}, ErrInvalidCredentials
	}
	if err := CheckPassword(acc.PasswordHash, password); err != nil {
		return Profile{}, ErrInvalidCredentials
	}
	return acc.Profile, nil
}
