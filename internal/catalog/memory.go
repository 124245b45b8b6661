package catalog

import (
	"context"
	"sync"

	"tagtrace.org/internal/station"
)

// Entry places a record in the catalog. An empty StationCode makes the record
// available at every station of its supplier and plant.
type Entry struct {
	SupplierCode string
	PlantCode    string
	StationCode  string
	Record       ModelRecord
}

func (e Entry) matches(scope station.Scope) bool {
	if e.SupplierCode != scope.SupplierCode || e.PlantCode != scope.PlantCode {
		return false
	}
	return e.StationCode == "" || e.StationCode == scope.StationCode
}

// MemorySource is an in-memory Source preserving insertion order.
type MemorySource struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySource returns a source holding entries in the given order.
func NewMemorySource(entries ...Entry) *MemorySource {
	return &MemorySource{entries: append([]Entry(nil), entries...)}
}

// Add appends an entry.
func (s *MemorySource) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *MemorySource) Models(_ context.Context, scope station.Scope) ([]ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ModelRecord
	for _, e := range s.entries {
		if e.matches(scope) {
			out = append(out, e.Record)
		}
	}
	return out, nil
}

func (s *MemorySource) ModelsByPart(_ context.Context, scope station.Scope, supplierPartNo string) ([]ModelRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ModelRecord
	for _, e := range s.entries {
		if e.matches(scope) && e.Record.SupplierPart == supplierPartNo {
			out = append(out, e.Record)
		}
	}
	return out, nil
}
