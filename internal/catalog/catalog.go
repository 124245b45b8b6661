package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tagtrace.org/internal/station"
)

// Catalog resolves candidate models for a scope. It holds no state of its own.
type Catalog struct {
	src Source
}

// New constructs a Catalog over src.
func New(src Source) (*Catalog, error) {
	if src == nil {
		return nil, errors.New("catalog: source is required")
	}
	return &Catalog{src: src}, nil
}

// ListModels re-queries the source on every call. partFilter, when set, keeps
// records whose supplier part contains it (case-insensitive).
func (c *Catalog) ListModels(ctx context.Context, scope station.Scope, partFilter string) ([]ModelRecord, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	records, err := c.src.Models(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", scope.Key(), err)
	}
	filter := strings.ToUpper(strings.TrimSpace(partFilter))
	out := make([]ModelRecord, 0, len(records))
	for _, rec := range records {
		if filter != "" && !strings.Contains(strings.ToUpper(rec.SupplierPart), filter) {
			continue
		}
		out = append(out, rec.WithDefaults())
	}
	if len(out) == 0 {
		return nil, ErrNoModelsFound
	}
	return out, nil
}

// ConfirmModel resolves exactly one record for supplierPartNo within scope.
func (c *Catalog) ConfirmModel(ctx context.Context, supplierPartNo string, scope station.Scope) (ModelRecord, error) {
	if err := scope.Validate(); err != nil {
		return ModelRecord{}, err
	}
	supplierPartNo = strings.TrimSpace(supplierPartNo)
	if supplierPartNo == "" {
		return ModelRecord{}, fmt.Errorf("%w: supplier_part_no is required", ErrModelNotFound)
	}
	records, err := c.src.ModelsByPart(ctx, scope, supplierPartNo)
	if err != nil {
		return ModelRecord{}, fmt.Errorf("catalog: confirm %s in %s: %w", supplierPartNo, scope.Key(), err)
	}
	matches := records[:0:0]
	for _, rec := range records {
		if rec.SupplierPart == supplierPartNo {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return ModelRecord{}, ErrModelNotFound
	case 1:
		return matches[0].WithDefaults(), nil
	default:
		return ModelRecord{}, fmt.Errorf("%w: %s has %d records in %s", ErrAmbiguousModel, supplierPartNo, len(matches), scope.Key())
	}
}
