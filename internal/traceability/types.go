package traceability

import (
	"time"

	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/station"
)

// SupervisorSummary is the part of a supervisor's profile echoed back to the
// terminal.
type SupervisorSummary struct {
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name"`
	RoleGroup    string `json:"role_group"`
	SupplierCode string `json:"supplier_code"`
	PlantCode    string `json:"plant_code"`
}

func summarize(p identity.Profile) SupervisorSummary {
	return SupervisorSummary{
		UserID:       p.UserID,
		UserName:     p.DisplayName,
		RoleGroup:    p.RoleGroup,
		SupplierCode: p.SupplierCode,
		PlantCode:    p.PlantCode,
	}
}

// SupervisorLogin is the result of a successful supervisor-login.
type SupervisorLogin struct {
	Supervisor     SupervisorSummary `json:"supervisor"`
	GrantToken     string            `json:"grant_token"`
	GrantExpiresAt time.Time         `json:"grant_expires_at"`
	Scope          station.Scope     `json:"scope"`
}

// ScopeInput carries the raw scope codes of a request. Empty codes may be
// filled from a profile where an operation allows it.
type ScopeInput struct {
	SupplierCode string
	PlantCode    string
	StationCode  string
}

// Scope validates the input.
func (in ScopeInput) Scope() (station.Scope, error) {
	return station.New(in.SupplierCode, in.PlantCode, in.StationCode)
}

func (in ScopeInput) defaultTo(p identity.Profile) ScopeInput {
	if in.SupplierCode == "" {
		in.SupplierCode = p.SupplierCode
	}
	if in.PlantCode == "" {
		in.PlantCode = p.PlantCode
	}
	if in.StationCode == "" {
		in.StationCode = p.StationCode
	}
	return in
}

// SupervisorLoginRequest is the input of SupervisorLogin. Missing scope codes
// default to the supervisor's own.
type SupervisorLoginRequest struct {
	UserID   string
	Password string
	Scope    ScopeInput
}

// ModelQuery is the input of ModelList.
type ModelQuery struct {
	Scope      station.Scope
	PartFilter string
	GrantToken string
	// Actor is the operator printing tags, used for logging only.
	Actor string
}

// ConfirmRequest is the input of ConfirmModel.
type ConfirmRequest struct {
	Scope          station.Scope
	SupplierPartNo string
	UserID         string
	GrantToken     string
}

// LockRequest is the input of LockFields. SupplierPartNo, when set, must name
// the confirmed model.
type LockRequest struct {
	Scope          station.Scope
	SupplierPartNo string
	UserID         string
}

// UnlockRequest is the input of UnlockFields. Either the supervisor's
// credentials or a grant token from supervisor-login must be present.
type UnlockRequest struct {
	Scope      station.Scope
	UserID     string
	Password   string
	GrantToken string
}

// UnlockResult is the result of a successful UnlockFields.
type UnlockResult struct {
	LockState          lockstate.State   `json:"lock_state"`
	Supervisor         SupervisorSummary `json:"supervisor"`
	SupervisorVerified bool              `json:"supervisor_verified"`
}
