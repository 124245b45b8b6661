package lockstate

import (
	"context"
	"errors"
	"time"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/station"
)

var (
	// ErrSupervisorAuthRequired is returned when unlock is attempted without a
	// grant valid for the scope at call time.
	ErrSupervisorAuthRequired = errors.New("supervisor authentication failed")
	// ErrLockFailed covers rejected locks and underlying state-write faults.
	ErrLockFailed = errors.New("failed to lock fields")
	// ErrVersionConflict is returned by stores when a compare-and-swap loses.
	ErrVersionConflict = errors.New("lock state version conflict")
)

// State is the lock state of one scope.
type State struct {
	Scope         station.Scope        `json:"scope"`
	Locked        bool                 `json:"is_locked"`
	Model         *catalog.ModelRecord `json:"locked_model"`
	LastChangedBy string               `json:"last_changed_by,omitempty"`
	LastChangedAt time.Time            `json:"last_changed_at,omitzero"`
	Version       int64                `json:"version"`
}

// Default is the implicit state of a scope that has never been touched.
func Default(scope station.Scope) State {
	return State{Scope: scope}
}

// Clone returns a copy that shares nothing with s.
func (s State) Clone() State {
	if s.Model != nil {
		m := *s.Model
		s.Model = &m
	}
	return s
}

// Selection is the model confirmed for a scope ahead of locking.
type Selection struct {
	Scope       station.Scope       `json:"scope"`
	Model       catalog.ModelRecord `json:"model"`
	ConfirmedBy string              `json:"confirmed_by,omitempty"`
	ConfirmedAt time.Time           `json:"confirmed_at"`
}

// Store persists lock states keyed by scope.
//
// Swap installs next only if the stored version equals expectVersion (0 for a
// scope with no stored state); otherwise it returns ErrVersionConflict.
// next.Version is always expectVersion+1.
//
// ClaimGrant records a grant id as spent until expiresAt and reports false if
// it was already recorded. Entries that expired before now may be dropped.
// ReleaseGrant forgets a claim.
type Store interface {
	Load(ctx context.Context, scope station.Scope) (State, bool, error)
	Swap(ctx context.Context, expectVersion int64, next State) error
	SaveSelection(ctx context.Context, sel Selection) error
	LoadSelection(ctx context.Context, scope station.Scope) (Selection, bool, error)
	ClaimGrant(ctx context.Context, grantID string, expiresAt, now time.Time) (bool, error)
	ReleaseGrant(ctx context.Context, grantID string) error
}
