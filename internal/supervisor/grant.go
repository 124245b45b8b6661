package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tagtrace.org/internal/station"
)

var (
	// ErrInsufficientRights means the credentials were valid but the profile
	// lacks supervisor capability for the requested scope.
	ErrInsufficientRights = errors.New("insufficient supervisor rights")
	// ErrMalformedGrant covers grants with missing fields or bad tokens.
	ErrMalformedGrant = errors.New("malformed supervisor grant")
	// ErrGrantExpired is returned when a grant is consumed outside its window.
	ErrGrantExpired = errors.New("supervisor grant expired")
	// ErrGrantScopeMismatch is returned when a grant is presented for another scope.
	ErrGrantScopeMismatch = errors.New("supervisor grant issued for a different scope")
)

// Grant is short-lived proof that a supervisor-capable identity was verified
// for one scope.
type Grant struct {
	ID        string        `json:"grant_id"`
	UserID    string        `json:"user_id"`
	Scope     station.Scope `json:"scope"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// WellFormed checks the structural invariants of a grant.
func (g Grant) WellFormed() error {
	if strings.TrimSpace(g.ID) == "" || strings.TrimSpace(g.UserID) == "" {
		return fmt.Errorf("%w: id and user_id are required", ErrMalformedGrant)
	}
	if err := g.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedGrant, err)
	}
	if !g.ExpiresAt.After(g.IssuedAt) {
		return fmt.Errorf("%w: expires_at must be after issued_at", ErrMalformedGrant)
	}
	return nil
}

// ValidFor reports whether the grant may be consumed for scope at now.
func (g Grant) ValidFor(scope station.Scope, now time.Time) error {
	if err := g.WellFormed(); err != nil {
		return err
	}
	if g.Scope != scope {
		return fmt.Errorf("%w: grant=%s requested=%s", ErrGrantScopeMismatch, g.Scope.Key(), scope.Key())
	}
	if now.Before(g.IssuedAt) || !now.Before(g.ExpiresAt) {
		return ErrGrantExpired
	}
	return nil
}
