package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tagtrace.org/internal/identity"
)

var _ identity.Directory = (*Store)(nil)

func (s *Store) LookupUser(ctx context.Context, userID string) (identity.Account, error) {
	var (
		acc identity.Account
		p   = &acc.Profile
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		select user_id, user_name, email, group_name, supplier_code, plant_code, station_code,
		       plant_name, supplier_plant_code, is_supplier, password_hash, active
		from users
		where user_id = ?
	`), userID).Scan(
		&p.UserID, &p.DisplayName, &p.Email, &p.RoleGroup, &p.SupplierCode, &p.PlantCode, &p.StationCode,
		&p.PlantName, &p.SupplierPlantCode, &p.IsSupplier, &acc.PasswordHash, &acc.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Account{}, identity.ErrUserNotFound
	}
	if err != nil {
		return identity.Account{}, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		select capability
		from group_capabilities
		where supplier_code = ? and group_name = ?
		order by capability
	`), p.SupplierCode, p.RoleGroup)
	if err != nil {
		return identity.Account{}, fmt.Errorf("load capabilities: %w", err)
	}
	defer rows.Close()
	var caps []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return identity.Account{}, err
		}
		caps = append(caps, c)
	}
	if err := rows.Err(); err != nil {
		return identity.Account{}, err
	}
	p.Capabilities = identity.NormalizeCapabilities(caps)
	return acc, nil
}

// PutAccount upserts a user row and the capabilities of its role group.
func (s *Store) PutAccount(ctx context.Context, acc identity.Account) error {
	p := acc.Profile
	if p.UserID == "" {
		return errors.New("store: user_id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`
		insert into users (user_id, user_name, email, group_name, supplier_code, plant_code, station_code,
		                   plant_name, supplier_plant_code, is_supplier, password_hash, active)
		values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict (user_id) do update set
			user_name = excluded.user_name,
			email = excluded.email,
			group_name = excluded.group_name,
			supplier_code = excluded.supplier_code,
			plant_code = excluded.plant_code,
			station_code = excluded.station_code,
			plant_name = excluded.plant_name,
			supplier_plant_code = excluded.supplier_plant_code,
			is_supplier = excluded.is_supplier,
			password_hash = excluded.password_hash,
			active = excluded.active
	`), p.UserID, p.DisplayName, p.Email, p.RoleGroup, p.SupplierCode, p.PlantCode, p.StationCode,
		p.PlantName, p.SupplierPlantCode, p.IsSupplier, acc.PasswordHash, acc.Active); err != nil {
		return fmt.Errorf("upsert user %s: %w", p.UserID, err)
	}

	for _, c := range p.Capabilities {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			insert into group_capabilities (supplier_code, group_name, capability)
			values (?, ?, ?)
			on conflict (supplier_code, group_name, capability) do nothing
		`), p.SupplierCode, p.RoleGroup, string(c)); err != nil {
			return fmt.Errorf("grant %s to %s/%s: %w", c, p.SupplierCode, p.RoleGroup, err)
		}
	}
	return tx.Commit()
}
