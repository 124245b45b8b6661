package formctx

import (
	"context"
	"errors"

	"tagtrace.org/internal/identity"
)

// Context is the plant/line auto-fill block of the tag print form.
type Context struct {
	UserID            string `json:"user_id"`
	UserName          string `json:"user_name"`
	SupplierCode      string `json:"supplier_code"`
	PlantCode         string `json:"plant_code"`
	PlantName         string `json:"plant_name"`
	SupplierPlantCode string `json:"supplier_plant_code"`
	PackingStation    string `json:"packing_station"`
}

// FromProfile projects a verified profile onto the form fields.
func FromProfile(p identity.Profile) Context {
	return Context{
		UserID:            p.UserID,
		UserName:          p.DisplayName,
		SupplierCode:      p.SupplierCode,
		PlantCode:         p.PlantCode,
		PlantName:         p.PlantName,
		SupplierPlantCode: p.SupplierPlantCode,
		PackingStation:    p.StationCode,
	}
}

// Resolver builds form context for authenticated users.
type Resolver struct {
	verifier *identity.Verifier
}

func NewResolver(v *identity.Verifier) (*Resolver, error) {
	if v == nil {
		return nil, errors.New("formctx: verifier is required")
	}
	return &Resolver{verifier: v}, nil
}

// Resolve fails exactly when identity verification fails.
func (r *Resolver) Resolve(ctx context.Context, userID, password string) (Context, error) {
	p, err := r.verifier.Verify(ctx, userID, password)
	if err != nil {
		return Context{}, err
	}
	return FromProfile(p), nil
}
