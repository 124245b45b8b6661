// Package traceability orchestrates the tag print terminal operations: user
// login, supervisor authorization, model selection and the field lock.
package traceability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tagtrace.org/internal/audit"
	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/formctx"
	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/obs"
	"tagtrace.org/internal/station"
	"tagtrace.org/internal/stream"
	"tagtrace.org/internal/supervisor"
)

// Config wires the service to its backends.
type Config struct {
	Directory identity.Directory
	Catalog   catalog.Source
	Locks     lockstate.Store
	// Events receives committed lock transitions. Optional.
	Events *stream.Stream

	TokenSecret string
	TokenIssuer string
	// GrantTTL of zero keeps the authorizer default.
	GrantTTL time.Duration
	Now      func() time.Time
}

// Service implements the terminal operations. It is safe for concurrent use.
type Service struct {
	dir        identity.Directory
	verifier   *identity.Verifier
	forms      *formctx.Resolver
	authorizer *supervisor.Authorizer
	tokens     *supervisor.TokenCodec
	catalog    *catalog.Catalog
	locks      *lockstate.Machine
	events     *stream.Stream
	now        func() time.Time
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	verifier, err := identity.NewVerifier(cfg.Directory)
	if err != nil {
		return nil, err
	}
	forms, err := formctx.NewResolver(verifier)
	if err != nil {
		return nil, err
	}
	authOpts := []supervisor.Option{supervisor.WithClock(now)}
	if cfg.GrantTTL != 0 {
		authOpts = append(authOpts, supervisor.WithGrantTTL(cfg.GrantTTL))
	}
	authorizer, err := supervisor.NewAuthorizer(verifier, authOpts...)
	if err != nil {
		return nil, err
	}
	tokens, err := supervisor.NewTokenCodec(cfg.TokenSecret, cfg.TokenIssuer, now)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	locks, err := lockstate.NewMachine(cfg.Locks, lockstate.WithClock(now))
	if err != nil {
		return nil, err
	}
	return &Service{
		dir:        cfg.Directory,
		verifier:   verifier,
		forms:      forms,
		authorizer: authorizer,
		tokens:     tokens,
		catalog:    cat,
		locks:      locks,
		events:     cfg.Events,
		now:        now,
	}, nil
}

// Login verifies an operator and returns their profile.
func (s *Service) Login(ctx context.Context, userID, password string) (identity.Profile, error) {
	p, err := s.verifier.Verify(ctx, userID, password)
	s.recordAuth(ctx, "login", userID, err)
	return p, err
}

// TraceabilityUser verifies an operator and returns the form auto-fill block.
func (s *Service) TraceabilityUser(ctx context.Context, userID, password string) (formctx.Context, error) {
	fc, err := s.forms.Resolve(ctx, userID, password)
	s.recordAuth(ctx, "traceability_user", userID, err)
	return fc, err
}

// SupervisorLogin verifies a supervisor for a scope and hands back a signed
// grant token that can later unlock the scope once.
func (s *Service) SupervisorLogin(ctx context.Context, req SupervisorLoginRequest) (SupervisorLogin, error) {
	p, err := s.verifier.Verify(ctx, req.UserID, req.Password)
	if err != nil {
		s.recordAuth(ctx, "supervisor_login", req.UserID, err)
		return SupervisorLogin{}, err
	}
	if !supervisor.Capable(p) {
		s.recordAuth(ctx, "supervisor_login", p.UserID, supervisor.ErrInsufficientRights)
		s.audit(ctx, p.UserID, "supervisor.denied", map[string]any{"reason": "no supervisor capability"})
		return SupervisorLogin{}, supervisor.ErrInsufficientRights
	}
	scope, err := req.Scope.defaultTo(p).Scope()
	if err != nil {
		return SupervisorLogin{}, err
	}
	grant, err := s.authorizer.Issue(p, scope)
	s.recordAuth(ctx, "supervisor_login", p.UserID, err)
	if err != nil {
		s.audit(ctx, p.UserID, "supervisor.denied", map[string]any{"scope": scope.Key()})
		return SupervisorLogin{}, err
	}
	token, err := s.tokens.Encode(grant)
	if err != nil {
		return SupervisorLogin{}, err
	}
	s.audit(ctx, p.UserID, "supervisor.authorized", map[string]any{
		"scope":      scope.Key(),
		"grant_id":   grant.ID,
		"expires_at": grant.ExpiresAt,
	})
	return SupervisorLogin{
		Supervisor:     summarize(p),
		GrantToken:     token,
		GrantExpiresAt: grant.ExpiresAt,
		Scope:          scope,
	}, nil
}

// ModelList returns the scope's candidate models, optionally filtered by
// supplier part. It needs a supervisor grant for the scope.
func (s *Service) ModelList(ctx context.Context, q ModelQuery) ([]catalog.ModelRecord, error) {
	if err := s.checkModelGrant(q.Scope, q.GrantToken); err != nil {
		return nil, err
	}
	models, err := s.catalog.ListModels(ctx, q.Scope, q.PartFilter)
	if err != nil {
		return nil, err
	}
	obs.Logger().WithFields(logrus.Fields{
		"scope":  q.Scope.Key(),
		"actor":  q.Actor,
		"models": len(models),
	}).Debug("models listed")
	return models, nil
}

// ConfirmModel resolves one model and records it as the scope's selection,
// which a later LockFields protects. Like ModelList it needs a supervisor
// grant, so the model behind a lock never changes without a supervisor.
func (s *Service) ConfirmModel(ctx context.Context, req ConfirmRequest) (catalog.ModelRecord, error) {
	if err := s.checkModelGrant(req.Scope, req.GrantToken); err != nil {
		return catalog.ModelRecord{}, err
	}
	rec, err := s.catalog.ConfirmModel(ctx, req.SupplierPartNo, req.Scope)
	if err != nil {
		return catalog.ModelRecord{}, err
	}
	if _, err := s.locks.Select(ctx, req.Scope, rec, req.UserID); err != nil {
		return catalog.ModelRecord{}, err
	}
	s.audit(ctx, req.UserID, "catalog.model_confirmed", map[string]any{
		"scope":         req.Scope.Key(),
		"supplier_part": rec.SupplierPart,
	})
	return rec, nil
}

// LockFields locks the scope on its confirmed model.
func (s *Service) LockFields(ctx context.Context, req LockRequest) (lockstate.State, error) {
	sel, ok, err := s.locks.Selection(ctx, req.Scope)
	if err != nil {
		obs.LockTransition("lock", "error")
		return lockstate.State{}, fmt.Errorf("%w: %w", lockstate.ErrLockFailed, err)
	}
	if !ok {
		obs.LockTransition("lock", "rejected")
		return lockstate.State{}, fmt.Errorf("%w: no model confirmed for %s", lockstate.ErrLockFailed, req.Scope.Key())
	}
	if part := strings.TrimSpace(req.SupplierPartNo); part != "" && part != sel.Model.SupplierPart {
		obs.LockTransition("lock", "rejected")
		return lockstate.State{}, fmt.Errorf("%w: supplier part '%s' is not the confirmed model '%s'",
			lockstate.ErrLockFailed, part, sel.Model.SupplierPart)
	}
	st, err := s.locks.Lock(ctx, req.Scope, sel.Model, req.UserID)
	if err != nil {
		obs.LockTransition("lock", outcome(err, lockstate.ErrLockFailed))
		return lockstate.State{}, err
	}
	obs.LockTransition("lock", "ok")
	s.audit(ctx, req.UserID, "lockstate.locked", map[string]any{
		"scope":         req.Scope.Key(),
		"supplier_part": sel.Model.SupplierPart,
		"version":       st.Version,
	})
	s.publish(st)
	return st, nil
}

// UnlockFields unlocks the scope after verifying a supervisor, either by
// credentials or by a grant token that has not unlocked anything before.
func (s *Service) UnlockFields(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	var (
		grant supervisor.Grant
		sup   identity.Profile
		err   error
	)
	switch {
	case strings.TrimSpace(req.UserID) != "" && req.Password != "":
		grant, sup, err = s.authorizer.Authorize(ctx, req.UserID, req.Password, req.Scope)
		s.recordAuth(ctx, "unlock", req.UserID, err)
		if err != nil {
			s.denyUnlock(ctx, req.UserID, req.Scope, err)
			return UnlockResult{}, err
		}
	case strings.TrimSpace(req.GrantToken) != "":
		grant, sup, err = s.grantFromToken(ctx, req.GrantToken, req.Scope)
		if err != nil {
			s.denyUnlock(ctx, grant.UserID, req.Scope, err)
			return UnlockResult{}, err
		}
		if err = s.locks.Redeem(ctx, grant); err != nil {
			s.denyUnlock(ctx, grant.UserID, req.Scope, err)
			return UnlockResult{}, err
		}
	default:
		err = fmt.Errorf("%w: supervisor credentials or grant_token required", lockstate.ErrSupervisorAuthRequired)
		s.denyUnlock(ctx, "", req.Scope, err)
		return UnlockResult{}, err
	}

	st, err := s.locks.Unlock(ctx, req.Scope, grant)
	if err != nil {
		if req.GrantToken != "" {
			if rerr := s.locks.Refund(ctx, grant); rerr != nil {
				obs.Logger().WithError(rerr).WithField("grant_id", grant.ID).Warn("refund grant")
			}
		}
		s.denyUnlock(ctx, grant.UserID, req.Scope, err)
		return UnlockResult{}, err
	}
	obs.LockTransition("unlock", "ok")
	s.audit(ctx, grant.UserID, "lockstate.unlocked", map[string]any{
		"scope":    req.Scope.Key(),
		"grant_id": grant.ID,
		"version":  st.Version,
	})
	s.publish(st)
	return UnlockResult{
		LockState:          st,
		Supervisor:         summarize(sup),
		SupervisorVerified: true,
	}, nil
}

// LockState returns the scope's current lock state.
func (s *Service) LockState(ctx context.Context, scope station.Scope) (lockstate.State, error) {
	return s.locks.State(ctx, scope)
}

// grantFromToken decodes a grant token and re-checks that its holder is still
// an active supervisor for scope.
func (s *Service) grantFromToken(ctx context.Context, raw string, scope station.Scope) (supervisor.Grant, identity.Profile, error) {
	grant, err := s.tokens.Decode(raw)
	if err != nil {
		return supervisor.Grant{}, identity.Profile{}, fmt.Errorf("%w: %w", lockstate.ErrSupervisorAuthRequired, err)
	}
	if err := grant.ValidFor(scope, s.now()); err != nil {
		return grant, identity.Profile{}, fmt.Errorf("%w: %w", lockstate.ErrSupervisorAuthRequired, err)
	}
	acc, err := s.dir.LookupUser(ctx, grant.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return grant, identity.Profile{}, fmt.Errorf("%w: supervisor %s no longer exists",
				lockstate.ErrSupervisorAuthRequired, grant.UserID)
		}
		return grant, identity.Profile{}, err
	}
	if !acc.Active || !supervisor.Covers(acc.Profile, scope) {
		return grant, identity.Profile{}, fmt.Errorf("%w: %w", lockstate.ErrSupervisorAuthRequired, supervisor.ErrInsufficientRights)
	}
	return grant, acc.Profile, nil
}

func (s *Service) checkModelGrant(scope station.Scope, raw string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: grant_token required to change model", lockstate.ErrSupervisorAuthRequired)
	}
	grant, err := s.tokens.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", lockstate.ErrSupervisorAuthRequired, err)
	}
	if err := grant.ValidFor(scope, s.now()); err != nil {
		return fmt.Errorf("%w: %w", lockstate.ErrSupervisorAuthRequired, err)
	}
	return nil
}

func (s *Service) denyUnlock(ctx context.Context, userID string, scope station.Scope, err error) {
	obs.LockTransition("unlock", outcome(err, lockstate.ErrSupervisorAuthRequired,
		identity.ErrInvalidCredentials, supervisor.ErrInsufficientRights))
	s.audit(ctx, userID, "lockstate.unlock_denied", map[string]any{
		"scope":  scope.Key(),
		"reason": err.Error(),
	})
}

func (s *Service) recordAuth(ctx context.Context, op, userID string, err error) {
	switch {
	case err == nil:
		obs.AuthAttempt(op, "ok")
		if op != "unlock" {
			s.audit(ctx, userID, "identity.login", map[string]any{"operation": op})
		}
	case errors.Is(err, identity.ErrInvalidCredentials):
		obs.AuthAttempt(op, "invalid_credentials")
		s.audit(ctx, userID, "identity.login_failed", map[string]any{"operation": op})
	case errors.Is(err, supervisor.ErrInsufficientRights):
		obs.AuthAttempt(op, "insufficient_rights")
	default:
		obs.AuthAttempt(op, "error")
	}
}

func (s *Service) audit(ctx context.Context, userID, event string, fields map[string]any) {
	_ = audit.LogEvent(audit.WithActor(ctx, userID), event, fields)
}

func (s *Service) publish(st lockstate.State) {
	if s.events == nil {
		return
	}
	evt := stream.LockEvent{
		Scope:   st.Scope,
		Locked:  st.Locked,
		Actor:   st.LastChangedBy,
		Version: st.Version,
		At:      st.LastChangedAt,
	}
	if st.Model != nil {
		evt.SupplierPart = st.Model.SupplierPart
	}
	s.events.Publish(evt)
}

// outcome labels err "rejected" when it matches one of the business errors and
// "error" otherwise.
func outcome(err error, business ...error) string {
	for _, b := range business {
		if errors.Is(err, b) {
			return "rejected"
		}
	}
	return "error"
}
