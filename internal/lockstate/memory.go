package lockstate

import (
	"context"
	"sync"
	"time"

	"tagtrace.org/internal/station"
)

// MemoryStore keeps lock states in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[string]State
	selections map[string]Selection
	spent      map[string]time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:     make(map[string]State),
		selections: make(map[string]Selection),
		spent:      make(map[string]time.Time),
	}
}

func (s *MemoryStore) Load(_ context.Context, scope station.Scope) (State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[scope.Key()]
	if !ok {
		return State{}, false, nil
	}
	return st.Clone(), true, nil
}

func (s *MemoryStore) Swap(_ context.Context, expectVersion int64, next State) error {
	key := next.Scope.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[key]
	var have int64
	if ok {
		have = cur.Version
	}
	if have != expectVersion {
		return ErrVersionConflict
	}
	next.Version = expectVersion + 1
	s.states[key] = next.Clone()
	return nil
}

func (s *MemoryStore) SaveSelection(_ context.Context, sel Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections[sel.Scope.Key()] = sel
	return nil
}

func (s *MemoryStore) LoadSelection(_ context.Context, scope station.Scope) (Selection, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.selections[scope.Key()]
	return sel, ok, nil
}

func (s *MemoryStore) ClaimGrant(_ context.Context, grantID string, expiresAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.spent {
		if !now.Before(exp) {
			delete(s.spent, id)
		}
	}
	if _, ok := s.spent[grantID]; ok {
		return false, nil
	}
	s.spent[grantID] = expiresAt
	return true, nil
}

func (s *MemoryStore) ReleaseGrant(_ context.Context, grantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.spent, grantID)
	return nil
}

// SpentGrants returns the number of grant claims currently held.
func (s *MemoryStore) SpentGrants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.spent)
}
