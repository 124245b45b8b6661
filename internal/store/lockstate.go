package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/station"
)

var _ lockstate.Store = (*Store)(nil)

func (s *Store) Load(ctx context.Context, scope station.Scope) (lockstate.State, bool, error) {
	var (
		st      = lockstate.State{Scope: scope}
		model   sql.NullString
		by      sql.NullString
		changed nullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select is_locked, locked_model, last_changed_by, last_changed_at, version
		from lock_states
		where supplier_code = ? and plant_code = ? and station_code = ?
	`), scope.SupplierCode, scope.PlantCode, scope.StationCode).Scan(&st.Locked, &model, &by, &changed, &st.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return lockstate.State{}, false, nil
	}
	if err != nil {
		return lockstate.State{}, false, err
	}
	if model.Valid && model.String != "" {
		var rec catalog.ModelRecord
		if err := json.Unmarshal([]byte(model.String), &rec); err != nil {
			return lockstate.State{}, false, fmt.Errorf("decode locked model: %w", err)
		}
		st.Model = &rec
	}
	st.LastChangedBy = by.String
	if changed.Valid {
		st.LastChangedAt = changed.Time
	}
	return st, true, nil
}

func (s *Store) Swap(ctx context.Context, expectVersion int64, next lockstate.State) error {
	var model sql.NullString
	if next.Model != nil {
		raw, err := json.Marshal(next.Model)
		if err != nil {
			return fmt.Errorf("encode locked model: %w", err)
		}
		model = sql.NullString{String: string(raw), Valid: true}
	}
	sc := next.Scope
	changedAt := s.timeArg(next.LastChangedAt)

	var (
		res sql.Result
		err error
	)
	if expectVersion == 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			insert into lock_states (supplier_code, plant_code, station_code, is_locked, locked_model,
			                         last_changed_by, last_changed_at, version)
			values (?, ?, ?, ?, ?, ?, ?, ?)
			on conflict (supplier_code, plant_code, station_code) do nothing
		`), sc.SupplierCode, sc.PlantCode, sc.StationCode, next.Locked, model,
			next.LastChangedBy, changedAt, expectVersion+1)
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			update lock_states
			set is_locked = ?, locked_model = ?, last_changed_by = ?, last_changed_at = ?, version = ?
			where supplier_code = ? and plant_code = ? and station_code = ? and version = ?
		`), next.Locked, model, next.LastChangedBy, changedAt, expectVersion+1,
			sc.SupplierCode, sc.PlantCode, sc.StationCode, expectVersion)
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok &&
			(pgErr.Code == pgErrUniqueViolation || pgErr.Code == pgErrSerializationFailure) {
			return lockstate.ErrVersionConflict
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lockstate.ErrVersionConflict
	}
	return nil
}

func (s *Store) SaveSelection(ctx context.Context, sel lockstate.Selection) error {
	raw, err := json.Marshal(sel.Model)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	sc := sel.Scope
	_, err = s.db.ExecContext(ctx, s.rebind(`
		insert into model_selections (supplier_code, plant_code, station_code, model, confirmed_by, confirmed_at)
		values (?, ?, ?, ?, ?, ?)
		on conflict (supplier_code, plant_code, station_code) do update set
			model = excluded.model,
			confirmed_by = excluded.confirmed_by,
			confirmed_at = excluded.confirmed_at
	`), sc.SupplierCode, sc.PlantCode, sc.StationCode, string(raw), sel.ConfirmedBy, s.timeArg(sel.ConfirmedAt))
	return err
}

func (s *Store) LoadSelection(ctx context.Context, scope station.Scope) (lockstate.Selection, bool, error) {
	var (
		raw       []byte
		by        sql.NullString
		confirmed nullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select model, confirmed_by, confirmed_at
		from model_selections
		where supplier_code = ? and plant_code = ? and station_code = ?
	`), scope.SupplierCode, scope.PlantCode, scope.StationCode).Scan(&raw, &by, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return lockstate.Selection{}, false, nil
	}
	if err != nil {
		return lockstate.Selection{}, false, err
	}
	sel := lockstate.Selection{Scope: scope, ConfirmedBy: by.String, ConfirmedAt: confirmed.Time}
	if err := json.Unmarshal(raw, &sel.Model); err != nil {
		return lockstate.Selection{}, false, fmt.Errorf("decode selection: %w", err)
	}
	return sel, true, nil
}

func (s *Store) ClaimGrant(ctx context.Context, grantID string, expiresAt, now time.Time) (bool, error) {
	if _, err := s.db.ExecContext(ctx, s.rebind(`delete from spent_grants where expires_at <= ?`), s.timeArg(now)); err != nil {
		return false, fmt.Errorf("prune spent grants: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		insert into spent_grants (grant_id, expires_at)
		values (?, ?)
		on conflict (grant_id) do nothing
	`), grantID, s.timeArg(expiresAt))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseGrant(ctx context.Context, grantID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`delete from spent_grants where grant_id = ?`), grantID)
	return err
}

// sqliteTimeLayout is fixed width so SQLite text timestamps order correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeArg renders timestamps as fixed-width RFC 3339 text for SQLite so they
// sort and parse the same way regardless of driver defaults.
func (s *Store) timeArg(t time.Time) any {
	if s.dialect == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}
