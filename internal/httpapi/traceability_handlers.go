package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/station"
	"tagtrace.org/internal/supervisor"
	"tagtrace.org/internal/traceability"
)

const (
	msgSupervisorFailed   = "Supervisor authentication failed"
	msgSupervisorDenied   = "Supervisor authentication failed or insufficient rights"
	msgTraceabilityDenied = "User not authorised for traceability tag or no plant mapped"
)

type credentialsRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type scopeFields struct {
	SupplierCode string `json:"supplier_code"`
	PlantCode    string `json:"plant_code"`
	StationNo    string `json:"station_no"`
}

func (s scopeFields) scope() (station.Scope, error) {
	return station.New(s.SupplierCode, s.PlantCode, s.StationNo)
}

type supervisorLoginRequest struct {
	credentialsRequest
	scopeFields
}

type modelListRequest struct {
	scopeFields
	SupplierPartNo string `json:"supplier_part_no"`
	PrintedBy      string `json:"printed_by"`
	GrantToken     string `json:"grant_token"`
}

type confirmModelRequest struct {
	scopeFields
	SupplierPartNo string `json:"supplier_part_no"`
	UserID         string `json:"user_id"`
	GrantToken     string `json:"grant_token"`
}

type lockFieldsRequest struct {
	scopeFields
	SupplierPartNo string `json:"supplier_part_no"`
	UserID         string `json:"user_id"`
}

type unlockFieldsRequest struct {
	scopeFields
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	GrantToken string `json:"grant_token"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.svc.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		handleError(w, r, err, "Invalid user ID or password")
		return
	}
	writeOK(w, "Login successful", p)
}

func (a *API) traceabilityUser(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	fc, err := a.svc.TraceabilityUser(r.Context(), req.UserID, req.Password)
	if err != nil {
		handleError(w, r, err, msgTraceabilityDenied)
		return
	}
	writeOK(w, "User details fetched", fc)
}

func (a *API) supervisorLogin(w http.ResponseWriter, r *http.Request) {
	var req supervisorLoginRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.SupervisorLogin(r.Context(), traceability.SupervisorLoginRequest{
		UserID:   req.UserID,
		Password: req.Password,
		Scope: traceability.ScopeInput{
			SupplierCode: req.SupplierCode,
			PlantCode:    req.PlantCode,
			StationCode:  req.StationNo,
		},
	})
	if err != nil {
		handleError(w, r, err, msgSupervisorDenied)
		return
	}
	writeOK(w, "Supervisor validated", res)
}

func (a *API) modelList(w http.ResponseWriter, r *http.Request) {
	var req modelListRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := req.scope()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	models, err := a.svc.ModelList(r.Context(), traceability.ModelQuery{
		Scope:      sc,
		PartFilter: req.SupplierPartNo,
		GrantToken: req.GrantToken,
		Actor:      req.PrintedBy,
	})
	if err != nil {
		handleError(w, r, err, msgSupervisorFailed)
		return
	}
	writeOK(w, fmt.Sprintf("Found %d model(s)", len(models)), models)
}

func (a *API) confirmModel(w http.ResponseWriter, r *http.Request) {
	var req confirmModelRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := req.scope()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	trimAll(&req.SupplierPartNo, &req.UserID)
	if req.SupplierPartNo == "" {
		writeError(w, r, http.StatusBadRequest, "supplier_part_no is required")
		return
	}
	rec, err := a.svc.ConfirmModel(r.Context(), traceability.ConfirmRequest{
		Scope:          sc,
		SupplierPartNo: req.SupplierPartNo,
		UserID:         req.UserID,
		GrantToken:     req.GrantToken,
	})
	if err != nil {
		handleError(w, r, err, msgSupervisorFailed)
		return
	}
	writeOK(w, "Model details loaded successfully", rec)
}

func (a *API) lockFields(w http.ResponseWriter, r *http.Request) {
	var req lockFieldsRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := req.scope()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	trimAll(&req.SupplierPartNo, &req.UserID)
	st, err := a.svc.LockFields(r.Context(), traceability.LockRequest{
		Scope:          sc,
		SupplierPartNo: req.SupplierPartNo,
		UserID:         req.UserID,
	})
	if err != nil {
		handleError(w, r, err, msgSupervisorFailed)
		return
	}
	writeOK(w, "Fields locked successfully", st)
}

func (a *API) unlockFields(w http.ResponseWriter, r *http.Request) {
	var req unlockFieldsRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sc, err := req.scope()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.UnlockFields(r.Context(), traceability.UnlockRequest{
		Scope:      sc,
		UserID:     req.UserID,
		Password:   req.Password,
		GrantToken: req.GrantToken,
	})
	if err != nil {
		handleError(w, r, err, msgSupervisorFailed)
		return
	}
	writeOK(w, "Fields unlocked successfully", res)
}

func (a *API) lockState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sc, err := station.New(q.Get("supplier_code"), q.Get("plant_code"), q.Get("station_no"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.svc.LockState(r.Context(), sc)
	if err != nil {
		handleError(w, r, err, msgSupervisorFailed)
		return
	}
	msg := "Fields unlocked"
	if st.Locked {
		msg = "Fields locked"
	}
	writeOK(w, msg, st)
}

// handleError maps domain errors to status codes. authMsg replaces the detail
// of credential and supervisor failures so responses never reveal which part
// of a login was wrong.
func handleError(w http.ResponseWriter, r *http.Request, err error, authMsg string) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, authMsg)
	case errors.Is(err, supervisor.ErrInsufficientRights):
		writeError(w, r, http.StatusForbidden, authMsg)
	case errors.Is(err, lockstate.ErrSupervisorAuthRequired):
		writeError(w, r, http.StatusBadRequest, msgSupervisorFailed)
	case errors.Is(err, catalog.ErrNoModelsFound):
		writeError(w, r, http.StatusBadRequest, "No models found for this station/plant")
	case errors.Is(err, catalog.ErrModelNotFound):
		writeError(w, r, http.StatusBadRequest, "Model not found")
	case errors.Is(err, catalog.ErrAmbiguousModel),
		errors.Is(err, lockstate.ErrLockFailed),
		errors.Is(err, station.ErrInvalidScope):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
