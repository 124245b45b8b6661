package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/station"
)

var _ catalog.Source = (*Store)(nil)

func (s *Store) Models(ctx context.Context, scope station.Scope) ([]catalog.ModelRecord, error) {
	return s.queryModels(ctx, `
		select record
		from models
		where supplier_code = ? and plant_code = ? and (station_code = ? or station_code = '')
		order by position, id
	`, scope.SupplierCode, scope.PlantCode, scope.StationCode)
}

func (s *Store) ModelsByPart(ctx context.Context, scope station.Scope, supplierPartNo string) ([]catalog.ModelRecord, error) {
	return s.queryModels(ctx, `
		select record
		from models
		where supplier_code = ? and plant_code = ? and (station_code = ? or station_code = '')
		  and supplier_part = ?
		order by position, id
	`, scope.SupplierCode, scope.PlantCode, scope.StationCode, supplierPartNo)
}

func (s *Store) queryModels(ctx context.Context, query string, args ...any) ([]catalog.ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.ModelRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec catalog.ModelRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode model record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AddModel appends a catalog entry after the existing ones.
func (s *Store) AddModel(ctx context.Context, e catalog.Entry) error {
	if e.Record.SupplierPart == "" {
		return errors.New("store: supplier_part is required")
	}
	raw, err := json.Marshal(e.Record)
	if err != nil {
		return fmt.Errorf("encode model record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		insert into models (supplier_code, plant_code, station_code, supplier_part, position, record)
		values (?, ?, ?, ?, (select coalesce(max(position), 0) + 1 from models), ?)
	`), e.SupplierCode, e.PlantCode, e.StationCode, e.Record.SupplierPart, string(raw))
	return err
}
