package station

import (
	"errors"
	"fmt"
	"strings"
)

const maxCodeLen = 32

// ErrInvalidScope is returned when a scope tuple is incomplete or malformed.
var ErrInvalidScope = errors.New("invalid scope")

// Scope identifies one production line/station context.
type Scope struct {
	SupplierCode string `json:"supplier_code"`
	PlantCode    string `json:"plant_code"`
	StationCode  string `json:"station_code"`
}

// New builds a trimmed scope and validates it.
func New(supplierCode, plantCode, stationCode string) (Scope, error) {
	s := Scope{
		SupplierCode: strings.TrimSpace(supplierCode),
		PlantCode:    strings.TrimSpace(plantCode),
		StationCode:  strings.TrimSpace(stationCode),
	}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate reports whether all three codes are present and bounded.
func (s Scope) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"supplier_code", s.SupplierCode},
		{"plant_code", s.PlantCode},
		{"station_no", s.StationCode},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidScope, f.name)
		}
		if len(f.value) > maxCodeLen {
			return fmt.Errorf("%w: %s must be <=%d characters", ErrInvalidScope, f.name, maxCodeLen)
		}
		if strings.Contains(f.value, "/") {
			return fmt.Errorf("%w: %s must not contain '/'", ErrInvalidScope, f.name)
		}
	}
	return nil
}

// Key is the canonical map key for the scope.
func (s Scope) Key() string {
	return s.SupplierCode + "/" + s.PlantCode + "/" + s.StationCode
}

func (s Scope) String() string { return s.Key() }
