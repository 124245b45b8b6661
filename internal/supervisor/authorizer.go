package supervisor

import (
	"context"
	"errors"
	"time"

	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/ids"
	"tagtrace.org/internal/station"
)

const defaultGrantTTL = 2 * time.Minute

// supervisorCapabilities lists the capabilities that confer supervisor rights.
var supervisorCapabilities = []identity.Capability{
	identity.CapSupervisorTierA,
	identity.CapSupervisorTierB,
}

// Authorizer wraps identity verification with a supervisor rights check and
// mints scoped grants.
type Authorizer struct {
	verifier *identity.Verifier
	now      func() time.Time
	ttl      time.Duration
}

// Option configures Authorizer behavior.
type Option func(*Authorizer) error

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) error {
		if now == nil {
			return errors.New("supervisor: clock is nil")
		}
		a.now = now
		return nil
	}
}

// WithGrantTTL configures the validity window of minted grants.
func WithGrantTTL(ttl time.Duration) Option {
	return func(a *Authorizer) error {
		if ttl <= 0 {
			return errors.New("supervisor: grant ttl must be positive")
		}
		a.ttl = ttl
		return nil
	}
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(verifier *identity.Verifier, opts ...Option) (*Authorizer, error) {
	if verifier == nil {
		return nil, errors.New("supervisor: verifier is required")
	}
	a := &Authorizer{
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
		ttl:      defaultGrantTTL,
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Authorize verifies the credentials, checks supervisor rights for scope and
// returns a fresh grant together with the supervisor's profile.
func (a *Authorizer) Authorize(ctx context.Context, userID, password string, scope station.Scope) (Grant, identity.Profile, error) {
	if err := scope.Validate(); err != nil {
		return Grant{}, identity.Profile{}, err
	}
	profile, err := a.verifier.Verify(ctx, userID, password)
	if err != nil {
		return Grant{}, identity.Profile{}, err
	}
	g, err := a.Issue(profile, scope)
	return g, profile, err
}

// Issue mints a grant for an already verified profile.
func (a *Authorizer) Issue(profile identity.Profile, scope station.Scope) (Grant, error) {
	if err := scope.Validate(); err != nil {
		return Grant{}, err
	}
	if !Covers(profile, scope) {
		return Grant{}, ErrInsufficientRights
	}
	issued := a.now()
	return Grant{
		ID:        ids.NewAt(issued),
		UserID:    profile.UserID,
		Scope:     scope,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(a.ttl),
	}, nil
}

// Covers reports whether profile carries supervisor rights for scope. A
// profile restricted to a supplier or plant only covers scopes inside it.
func Covers(profile identity.Profile, scope station.Scope) bool {
	if !Capable(profile) {
		return false
	}
	if profile.SupplierCode != "" && profile.SupplierCode != scope.SupplierCode {
		return false
	}
	if profile.PlantCode != "" && profile.PlantCode != scope.PlantCode {
		return false
	}
	return true
}

// Capable reports whether profile carries any supervisor capability,
// regardless of scope.
func Capable(profile identity.Profile) bool {
	for _, c := range supervisorCapabilities {
		if profile.HasCapability(c) {
			return true
		}
	}
	return false
}
