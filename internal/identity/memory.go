package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// MemoryDirectory is a Directory backed by a map. Used for fixtures and tests.
type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{accounts: make(map[string]Account)}
}

// Put inserts or replaces an account.
func (d *MemoryDirectory) Put(acc Account) error {
	id := strings.TrimSpace(acc.Profile.UserID)
	if id == "" {
		return errors.New("identity: user_id is required")
	}
	acc.Profile.UserID = id
	acc.Profile.Capabilities = append([]Capability(nil), acc.Profile.Capabilities...)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[id] = acc
	return nil
}

func (d *MemoryDirectory) LookupUser(_ context.Context, userID string) (Account, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[userID]
	if !ok {
		return Account{}, ErrUserNotFound
	}
	acc.Profile.Capabilities = append([]Capability(nil), acc.Profile.Capabilities...)
	return acc, nil
}
