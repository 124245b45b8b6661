// Package fixtures loads demo users and catalog rows from a TOML file into a
// directory and catalog, either the in-memory ones or a database store.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/identity"
)

// User is one [[users]] table.
type User struct {
	UserID            string   `toml:"user_id"`
	UserName          string   `toml:"user_name"`
	Email             string   `toml:"email"`
	RoleGroup         string   `toml:"role_group"`
	SupplierCode      string   `toml:"supplier_code"`
	PlantCode         string   `toml:"plant_code"`
	StationCode       string   `toml:"station_code"`
	PlantName         string   `toml:"plant_name"`
	SupplierPlantCode string   `toml:"supplier_plant_code"`
	IsSupplier        bool     `toml:"is_supplier"`
	Password          string   `toml:"password"`
	PasswordHash      string   `toml:"password_hash"`
	Inactive          bool     `toml:"inactive"`
	Capabilities      []string `toml:"capabilities"`
}

// Model is one [[models]] table. An empty station_code lists the record at
// every station of the plant.
type Model struct {
	SupplierCode string              `toml:"supplier_code"`
	PlantCode    string              `toml:"plant_code"`
	StationCode  string              `toml:"station_code"`
	Record       catalog.ModelRecord `toml:"record"`
}

// File is the decoded fixture document.
type File struct {
	Users  []User  `toml:"users"`
	Models []Model `toml:"models"`
}

// Target receives fixture rows. *store.Store and *Memory implement it.
type Target interface {
	PutAccount(ctx context.Context, acc identity.Account) error
	AddModel(ctx context.Context, e catalog.Entry) error
}

// Load decodes the fixture file at path. Unknown keys are rejected.
func Load(path string) (File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return File{}, fmt.Errorf("fixtures: decode %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return File{}, fmt.Errorf("fixtures: %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes fixtures from a string.
func Parse(data string) (File, error) {
	var f File
	md, err := toml.Decode(data, &f)
	if err != nil {
		return File{}, fmt.Errorf("fixtures: decode: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return File{}, fmt.Errorf("fixtures: %w", err)
	}
	return f, nil
}

func checkUndecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("unknown keys: %s", strings.Join(names, ", "))
}

// Account converts a fixture user. A plain password is bcrypt-hashed; a
// password_hash is taken as stored.
func (u User) Account() (identity.Account, error) {
	id := strings.TrimSpace(u.UserID)
	if id == "" {
		return identity.Account{}, errors.New("user_id is required")
	}
	hash := strings.TrimSpace(u.PasswordHash)
	switch {
	case hash != "" && u.Password != "":
		return identity.Account{}, fmt.Errorf("user %s: set password or password_hash, not both", id)
	case hash == "" && u.Password == "":
		return identity.Account{}, fmt.Errorf("user %s: password is required", id)
	case hash == "":
		var err error
		if hash, err = identity.HashPassword(u.Password); err != nil {
			return identity.Account{}, fmt.Errorf("user %s: %w", id, err)
		}
	}
	return identity.Account{
		Profile: identity.Profile{
			UserID:            id,
			DisplayName:       u.UserName,
			Email:             u.Email,
			RoleGroup:         u.RoleGroup,
			SupplierCode:      u.SupplierCode,
			PlantCode:         u.PlantCode,
			StationCode:       u.StationCode,
			PlantName:         u.PlantName,
			SupplierPlantCode: u.SupplierPlantCode,
			IsSupplier:        u.IsSupplier,
			Capabilities:      identity.NormalizeCapabilities(u.Capabilities),
		},
		PasswordHash: hash,
		Active:       !u.Inactive,
	}, nil
}

// Entry converts a fixture model.
func (m Model) Entry() (catalog.Entry, error) {
	if strings.TrimSpace(m.SupplierCode) == "" || strings.TrimSpace(m.PlantCode) == "" {
		return catalog.Entry{}, errors.New("supplier_code and plant_code are required")
	}
	if strings.TrimSpace(m.Record.SupplierPart) == "" {
		return catalog.Entry{}, errors.New("record.supplier_part is required")
	}
	rec := m.Record
	if rec.SupplierCode == "" {
		rec.SupplierCode = m.SupplierCode
	}
	return catalog.Entry{
		SupplierCode: strings.TrimSpace(m.SupplierCode),
		PlantCode:    strings.TrimSpace(m.PlantCode),
		StationCode:  strings.TrimSpace(m.StationCode),
		Record:       rec,
	}, nil
}

// Apply writes every user and model into t in file order.
func (f File) Apply(ctx context.Context, t Target) error {
	for i, u := range f.Users {
		acc, err := u.Account()
		if err != nil {
			return fmt.Errorf("fixtures: users[%d]: %w", i, err)
		}
		if err := t.PutAccount(ctx, acc); err != nil {
			return fmt.Errorf("fixtures: put user %s: %w", acc.Profile.UserID, err)
		}
	}
	for i, m := range f.Models {
		e, err := m.Entry()
		if err != nil {
			return fmt.Errorf("fixtures: models[%d]: %w", i, err)
		}
		if err := t.AddModel(ctx, e); err != nil {
			return fmt.Errorf("fixtures: add model %s: %w", e.Record.SupplierPart, err)
		}
	}
	return nil
}

// Memory adapts the in-memory directory and catalog to Target.
type Memory struct {
	Directory *identity.MemoryDirectory
	Catalog   *catalog.MemorySource
}

// NewMemory returns empty in-memory backends.
func NewMemory() *Memory {
	return &Memory{
		Directory: identity.NewMemoryDirectory(),
		Catalog:   catalog.NewMemorySource(),
	}
}

func (m *Memory) PutAccount(_ context.Context, acc identity.Account) error {
	return m.Directory.Put(acc)
}

func (m *Memory) AddModel(_ context.Context, e catalog.Entry) error {
	m.Catalog.Add(e)
	return nil
}
