package lockstate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/station"
	"tagtrace.org/internal/supervisor"
)

const defaultSwapAttempts = 3

// Machine owns the per-scope lock states. Transitions on one scope are
// serialized by a mutex keyed by the scope; the store's compare-and-swap keeps
// separate processes sharing a database consistent.
type Machine struct {
	store    Store
	now      func() time.Time
	attempts int

	mu     sync.Mutex
	scopes map[string]*sync.Mutex
}

// Option configures Machine behavior.
type Option func(*Machine) error

// WithClock overrides the time source used for timestamps and grant expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) error {
		if now == nil {
			return errors.New("lockstate: clock is nil")
		}
		m.now = now
		return nil
	}
}

// WithSwapAttempts bounds how often a transition retries after losing a
// compare-and-swap to another process.
func WithSwapAttempts(n int) Option {
	return func(m *Machine) error {
		if n < 1 {
			return errors.New("lockstate: swap attempts must be >= 1")
		}
		m.attempts = n
		return nil
	}
}

// NewMachine constructs a Machine over store.
func NewMachine(store Store, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("lockstate: store is required")
	}
	m := &Machine{
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		attempts: defaultSwapAttempts,
		scopes:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Machine) scopeMutex(scope station.Scope) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.scopes[scope.Key()]
	if !ok {
		mu = &sync.Mutex{}
		m.scopes[scope.Key()] = mu
	}
	return mu
}

// State returns the scope's lock state, or the implicit default.
func (m *Machine) State(ctx context.Context, scope station.Scope) (State, error) {
	if err := scope.Validate(); err != nil {
		return State{}, err
	}
	st, ok, err := m.store.Load(ctx, scope)
	if err != nil {
		return State{}, fmt.Errorf("lockstate: load %s: %w", scope.Key(), err)
	}
	if !ok {
		return Default(scope), nil
	}
	return st, nil
}

// Lock marks scope locked with model as the protected snapshot. Locking an
// already locked scope replaces the snapshot.
func (m *Machine) Lock(ctx context.Context, scope station.Scope, model catalog.ModelRecord, actor string) (State, error) {
	if err := scope.Validate(); err != nil {
		return State{}, err
	}
	if strings.TrimSpace(model.SupplierPart) == "" {
		return State{}, fmt.Errorf("%w: model is required", ErrLockFailed)
	}
	if !model.LockingAllowed() {
		return State{}, fmt.Errorf("%w: locking is disabled for supplier part '%s' (LotLockType=%s)",
			ErrLockFailed, model.SupplierPart, model.LotLockType)
	}
	return m.transition(ctx, scope, func(cur State) (State, bool, error) {
		snapshot := model
		next := cur
		next.Locked = true
		next.Model = &snapshot
		next.LastChangedBy = strings.TrimSpace(actor)
		next.LastChangedAt = m.now()
		return next, true, nil
	})
}

// Unlock clears the lock of scope. Unlocking an unlocked scope is a no-op.
// From Locked the grant must be well-formed, unexpired and issued for exactly
// this scope; otherwise ErrSupervisorAuthRequired is returned and the state is
// left untouched.
func (m *Machine) Unlock(ctx context.Context, scope station.Scope, grant supervisor.Grant) (State, error) {
	if err := scope.Validate(); err != nil {
		return State{}, err
	}
	return m.transition(ctx, scope, func(cur State) (State, bool, error) {
		if !cur.Locked {
			return cur, false, nil
		}
		if err := grant.ValidFor(scope, m.now()); err != nil {
			return cur, false, fmt.Errorf("%w: %w", ErrSupervisorAuthRequired, err)
		}
		next := cur
		next.Locked = false
		next.Model = nil
		next.LastChangedBy = grant.UserID
		next.LastChangedAt = m.now()
		return next, true, nil
	})
}

// Redeem marks grant as spent. A grant redeemed before, by this process or by
// another one sharing the store, yields ErrSupervisorAuthRequired.
func (m *Machine) Redeem(ctx context.Context, grant supervisor.Grant) error {
	if strings.TrimSpace(grant.ID) == "" {
		return fmt.Errorf("%w: grant has no id", ErrSupervisorAuthRequired)
	}
	ok, err := m.store.ClaimGrant(ctx, grant.ID, grant.ExpiresAt, m.now())
	if err != nil {
		return fmt.Errorf("lockstate: claim grant %s: %w", grant.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: grant already used", ErrSupervisorAuthRequired)
	}
	return nil
}

// Refund returns a redeemed grant after the unlock it was spent on failed.
func (m *Machine) Refund(ctx context.Context, grant supervisor.Grant) error {
	if err := m.store.ReleaseGrant(ctx, grant.ID); err != nil {
		return fmt.Errorf("lockstate: release grant %s: %w", grant.ID, err)
	}
	return nil
}

// transition runs fn against the current state under the scope mutex and
// swaps in its result. fn reports whether anything needs writing.
func (m *Machine) transition(ctx context.Context, scope station.Scope, fn func(cur State) (State, bool, error)) (State, error) {
	mu := m.scopeMutex(scope)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < m.attempts; attempt++ {
		cur, ok, err := m.store.Load(ctx, scope)
		if err != nil {
			return State{}, fmt.Errorf("%w: load %s: %w", ErrLockFailed, scope.Key(), err)
		}
		if !ok {
			cur = Default(scope)
		}
		next, write, err := fn(cur.Clone())
		if err != nil {
			return cur, err
		}
		if !write {
			return cur, nil
		}
		next.Scope = scope
		next.Version = cur.Version + 1
		err = m.store.Swap(ctx, cur.Version, next)
		if err == nil {
			return next.Clone(), nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return State{}, fmt.Errorf("%w: store %s: %w", ErrLockFailed, scope.Key(), err)
		}
		lastErr = err
	}
	return State{}, fmt.Errorf("%w: %s: %w", ErrLockFailed, scope.Key(), lastErr)
}

// Select records model as the confirmed selection for scope. It does not
// change the lock state.
func (m *Machine) Select(ctx context.Context, scope station.Scope, model catalog.ModelRecord, actor string) (Selection, error) {
	if err := scope.Validate(); err != nil {
		return Selection{}, err
	}
	sel := Selection{
		Scope:       scope,
		Model:       model,
		ConfirmedBy: strings.TrimSpace(actor),
		ConfirmedAt: m.now(),
	}
	if err := m.store.SaveSelection(ctx, sel); err != nil {
		return Selection{}, fmt.Errorf("lockstate: save selection %s: %w", scope.Key(), err)
	}
	return sel, nil
}

// Selection returns the model most recently confirmed for scope.
func (m *Machine) Selection(ctx context.Context, scope station.Scope) (Selection, bool, error) {
	if err := scope.Validate(); err != nil {
		return Selection{}, false, err
	}
	sel, ok, err := m.store.LoadSelection(ctx, scope)
	if err != nil {
		return Selection{}, false, fmt.Errorf("lockstate: load selection %s: %w", scope.Key(), err)
	}
	return sel, ok, nil
}
