package identity

import (
	"context"
	"slices"
	"sort"
	"strings"
)

// Capability names a right carried by a role group.
type Capability string

const (
	// CapSupervisorTierA and CapSupervisorTierB are the two supervisor levels
	// recognised for model change and unlock.
	CapSupervisorTierA Capability = "supervisor-tier-A"
	CapSupervisorTierB Capability = "supervisor-tier-B"
	// CapTagPrint marks operators of the tag print screen.
	CapTagPrint Capability = "tag-print"
)

// Profile is the directory view of a user. It is re-fetched on every request.
type Profile struct {
	UserID            string       `json:"user_id"`
	DisplayName       string       `json:"user_name"`
	Email             string       `json:"email_id"`
	RoleGroup         string       `json:"role_group"`
	SupplierCode      string       `json:"supplier_code"`
	PlantCode         string       `json:"plant_code"`
	StationCode       string       `json:"station_code"`
	PlantName         string       `json:"plant_name"`
	SupplierPlantCode string       `json:"supplier_plant_code"`
	IsSupplier        bool         `json:"is_supplier"`
	Capabilities      []Capability `json:"capabilities"`
}

// HasCapability reports whether the profile's role group carries c.
func (p Profile) HasCapability(c Capability) bool {
	return slices.Contains(p.Capabilities, c)
}

// Account is a directory row: profile plus credential material.
type Account struct {
	Profile      Profile
	PasswordHash string
	Active       bool
}

// Directory looks users up by id. Implementations return ErrUserNotFound for
// unknown ids.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (Account, error)
}

// NormalizeCapabilities trims, dedupes and sorts a capability list.
func NormalizeCapabilities(in []string) []Capability {
	seen := make(map[string]struct{}, len(in))
	out := make([]Capability, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, Capability(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
