package traceability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/fixtures"
	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/station"
	"tagtrace.org/internal/stream"
	"tagtrace.org/internal/supervisor"
)

const testSecret = "test-secret-0123456789abcdef"

type harness struct {
	svc    *Service
	now    time.Time
	events *stream.Stream
	locks  *lockstate.MemoryStore
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

// newHarness builds a service over the demo fixtures plus two extra users:
// QA001, a supervisor bound to no supplier or plant, and OP002, an operator
// without a home station. locks may be shared between harnesses; nil starts
// an empty store.
func newHarness(t *testing.T, locks *lockstate.MemoryStore) *harness {
	t.Helper()
	f, err := fixtures.Load("../../ops/fixtures/demo.toml")
	require.NoError(t, err)
	mem := fixtures.NewMemory()
	require.NoError(t, f.Apply(context.Background(), mem))
	require.NoError(t, mem.Directory.Put(identity.Account{
		Profile: identity.Profile{
			UserID:       "QA001",
			DisplayName:  "Quality Head",
			RoleGroup:    "Supervisor",
			Capabilities: []identity.Capability{identity.CapSupervisorTierA},
		},
		PasswordHash: identity.LegacyHash("qa12345"),
		Active:       true,
	}))
	require.NoError(t, mem.Directory.Put(identity.Account{
		Profile: identity.Profile{
			UserID:       "OP002",
			DisplayName:  "Relief Operator",
			RoleGroup:    "EOL User",
			SupplierCode: "SUP001",
			PlantCode:    "PLT01",
			Capabilities: []identity.Capability{identity.CapTagPrint},
		},
		PasswordHash: identity.LegacyHash("relief123"),
		Active:       true,
	}))

	if locks == nil {
		locks = lockstate.NewMemoryStore()
	}
	h := &harness{
		now:    time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
		events: stream.New(),
		locks:  locks,
	}
	h.svc, err = New(Config{
		Directory:   mem.Directory,
		Catalog:     mem.Catalog,
		Locks:       locks,
		Events:      h.events,
		TokenSecret: testSecret,
		GrantTTL:    2 * time.Minute,
		Now:         func() time.Time { return h.now },
	})
	require.NoError(t, err)
	return h
}

// grant signs SUPERVISOR001 in for a station of SUP001/PLT01.
func (h *harness) grant(t *testing.T, stn string) string {
	t.Helper()
	res, err := h.svc.SupervisorLogin(context.Background(), SupervisorLoginRequest{
		UserID: "SUPERVISOR001", Password: "super123", Scope: ScopeInput{StationCode: stn},
	})
	require.NoError(t, err)
	return res.GrantToken
}

func scope(t *testing.T, stn string) station.Scope {
	t.Helper()
	sc, err := station.New("SUP001", "PLT01", stn)
	require.NoError(t, err)
	return sc
}

func TestLoginAndFormContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.svc.Login(ctx, "1111", "password123")
	require.NoError(t, err)
	require.Equal(t, "Mukesh", p.DisplayName)

	_, err = h.svc.Login(ctx, "1111", "nope")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	fc, err := h.svc.TraceabilityUser(ctx, "1111", "password123")
	require.NoError(t, err)
	require.Equal(t, "STN01", fc.PackingStation)
	require.Equal(t, "SUP001-PLT01", fc.SupplierPlantCode)

	_, err = h.svc.TraceabilityUser(ctx, "ghost", "password123")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestSupervisorLogin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "SUPERVISOR001", Password: "wrong"})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "1111", Password: "password123"})
	require.ErrorIs(t, err, supervisor.ErrInsufficientRights)

	// The supervisor profile carries no station, so one must be named.
	_, err = h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "SUPERVISOR001", Password: "super123"})
	require.ErrorIs(t, err, station.ErrInvalidScope)

	res, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "SUPERVISOR001", Password: "super123",
		Scope: ScopeInput{StationCode: "STN01"},
	})
	require.NoError(t, err)
	require.Equal(t, scope(t, "STN01"), res.Scope)
	require.Equal(t, "Line Supervisor", res.Supervisor.UserName)
	require.Equal(t, h.now.Add(2*time.Minute), res.GrantExpiresAt)
	require.NotEmpty(t, res.GrantToken)

	_, err = h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "SUPERVISOR001", Password: "super123",
		Scope: ScopeInput{SupplierCode: "SUP002", PlantCode: "PLT01", StationCode: "STN01"},
	})
	require.ErrorIs(t, err, supervisor.ErrInsufficientRights)

	tl, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "TL001", Password: "tl12345"})
	require.NoError(t, err)
	require.Equal(t, scope(t, "STN02"), tl.Scope)
}

func TestSupervisorLoginChecksRightsBeforeScope(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// OP002 has no home station, so the scope cannot be resolved either; the
	// missing capability is what gets reported.
	_, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "OP002", Password: "relief123"})
	require.ErrorIs(t, err, supervisor.ErrInsufficientRights)
	require.NotErrorIs(t, err, station.ErrInvalidScope)

	_, err = h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "OP002", Password: "relief123", Scope: ScopeInput{StationCode: "STN01"},
	})
	require.ErrorIs(t, err, supervisor.ErrInsufficientRights)

	_, err = h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{UserID: "OP002", Password: "wrong"})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestModelListAndConfirm(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	stn01 := h.grant(t, "STN01")
	stn02 := h.grant(t, "STN02")

	models, err := h.svc.ModelList(ctx, ModelQuery{Scope: scope(t, "STN01"), GrantToken: stn01})
	require.NoError(t, err)
	require.Len(t, models, 3)

	models, err = h.svc.ModelList(ctx, ModelQuery{Scope: scope(t, "STN01"), PartFilter: "part-02", GrantToken: stn01})
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, catalog.DefaultDelimiterType, models[0].DelimiterType)

	empty, err := station.New("SUP002", "PLT09", "STN01")
	require.NoError(t, err)
	qa, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "QA001", Password: "qa12345",
		Scope: ScopeInput{SupplierCode: "SUP002", PlantCode: "PLT09", StationCode: "STN01"},
	})
	require.NoError(t, err)
	_, err = h.svc.ModelList(ctx, ModelQuery{Scope: empty, GrantToken: qa.GrantToken})
	require.ErrorIs(t, err, catalog.ErrNoModelsFound)

	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: scope(t, "STN02"), SupplierPartNo: "SP-PART-04", GrantToken: stn02})
	require.ErrorIs(t, err, catalog.ErrAmbiguousModel)

	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: scope(t, "STN01"), SupplierPartNo: "SP-PART-99", GrantToken: stn01})
	require.ErrorIs(t, err, catalog.ErrModelNotFound)

	rec, err := h.svc.ConfirmModel(ctx, ConfirmRequest{
		Scope: scope(t, "STN01"), SupplierPartNo: "SP-PART-01", UserID: "1111", GrantToken: stn01,
	})
	require.NoError(t, err)
	require.Equal(t, "Front Bumper Bracket", rec.SupplierPartName)
}

func TestLockFieldsUsesConfirmedModel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")

	_, err := h.svc.LockFields(ctx, LockRequest{Scope: sc, UserID: "1111"})
	require.ErrorIs(t, err, lockstate.ErrLockFailed)

	token := h.grant(t, "STN01")
	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: sc, SupplierPartNo: "SP-PART-01", UserID: "1111", GrantToken: token})
	require.NoError(t, err)

	_, err = h.svc.LockFields(ctx, LockRequest{Scope: sc, SupplierPartNo: "SP-PART-02", UserID: "1111"})
	require.ErrorIs(t, err, lockstate.ErrLockFailed)

	ctxEvents, cancel := context.WithCancel(ctx)
	defer cancel()
	events := h.events.Subscribe(ctxEvents, &sc)

	st, err := h.svc.LockFields(ctx, LockRequest{Scope: sc, SupplierPartNo: "SP-PART-01", UserID: "1111"})
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Equal(t, "SP-PART-01", st.Model.SupplierPart)
	require.Equal(t, "1111", st.LastChangedBy)

	evt := <-events
	require.True(t, evt.Locked)
	require.Equal(t, "SP-PART-01", evt.SupplierPart)

	again, err := h.svc.LockFields(ctx, LockRequest{Scope: sc, UserID: "1111"})
	require.NoError(t, err)
	require.True(t, again.Locked)
	require.Equal(t, st.Model, again.Model)

	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: sc, SupplierPartNo: "SP-PART-03", UserID: "1111", GrantToken: token})
	require.NoError(t, err)
	_, err = h.svc.LockFields(ctx, LockRequest{Scope: sc, UserID: "1111"})
	require.ErrorIs(t, err, lockstate.ErrLockFailed)
	require.ErrorContains(t, err, "Disable")
}

func lockScope(t *testing.T, h *harness, sc station.Scope) {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.ConfirmModel(ctx, ConfirmRequest{
		Scope: sc, SupplierPartNo: "SP-PART-01", UserID: "1111", GrantToken: h.grant(t, sc.StationCode),
	})
	require.NoError(t, err)
	_, err = h.svc.LockFields(ctx, LockRequest{Scope: sc, UserID: "1111"})
	require.NoError(t, err)
}

func TestUnlockWithCredentials(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")
	lockScope(t, h, sc)

	_, err := h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, UserID: "SUPERVISOR001", Password: "bad"})
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, UserID: "1111", Password: "password123"})
	require.ErrorIs(t, err, supervisor.ErrInsufficientRights)

	st, err := h.svc.LockState(ctx, sc)
	require.NoError(t, err)
	require.True(t, st.Locked)

	res, err := h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, UserID: "SUPERVISOR001", Password: "super123"})
	require.NoError(t, err)
	require.True(t, res.SupervisorVerified)
	require.False(t, res.LockState.Locked)
	require.Nil(t, res.LockState.Model)
	require.Equal(t, "SUPERVISOR001", res.Supervisor.UserID)

	res, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, UserID: "SUPERVISOR001", Password: "super123"})
	require.NoError(t, err, "unlocking an unlocked scope is a no-op")
	require.False(t, res.LockState.Locked)
}

func TestUnlockWithGrantToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")
	lockScope(t, h, sc)

	login, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "SUPERVISOR001", Password: "super123", Scope: ScopeInput{StationCode: "STN01"},
	})
	require.NoError(t, err)

	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: scope(t, "STN02"), GrantToken: login.GrantToken})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)
	require.ErrorIs(t, err, supervisor.ErrGrantScopeMismatch)

	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: "not-a-token"})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	res, err := h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: login.GrantToken})
	require.NoError(t, err)
	require.False(t, res.LockState.Locked)
	require.Equal(t, "Line Supervisor", res.Supervisor.UserName)
	require.Equal(t, 1, h.locks.SpentGrants())

	lockScope(t, h, sc)
	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: login.GrantToken})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired, "a grant unlocks at most once")

	st, err := h.svc.LockState(ctx, sc)
	require.NoError(t, err)
	require.True(t, st.Locked)
}

func TestUnlockWithStaleGrantLeavesLocked(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")

	login, err := h.svc.SupervisorLogin(ctx, SupervisorLoginRequest{
		UserID: "SUPERVISOR001", Password: "super123", Scope: ScopeInput{StationCode: "STN01"},
	})
	require.NoError(t, err)
	lockScope(t, h, sc)

	h.advance(3 * time.Minute)
	_, err = h.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: login.GrantToken})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)
	require.ErrorIs(t, err, supervisor.ErrGrantExpired)

	st, err := h.svc.LockState(ctx, sc)
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Zero(t, h.locks.SpentGrants())
}

func TestModelGrantEnforcement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")

	_, err := h.svc.ModelList(ctx, ModelQuery{Scope: sc})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)
	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: sc, SupplierPartNo: "SP-PART-02"})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	token := h.grant(t, "STN01")

	models, err := h.svc.ModelList(ctx, ModelQuery{Scope: sc, GrantToken: token})
	require.NoError(t, err)
	require.NotEmpty(t, models)

	_, err = h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: scope(t, "STN02"), SupplierPartNo: "SP-PART-04", GrantToken: token})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	rec, err := h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: sc, SupplierPartNo: "SP-PART-02", GrantToken: token})
	require.NoError(t, err)
	require.Equal(t, "SP-PART-02", rec.SupplierPart)

	h.advance(5 * time.Minute)
	_, err = h.svc.ModelList(ctx, ModelQuery{Scope: sc, GrantToken: token})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)
}

func TestLockedModelCannotChangeWithoutGrant(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sc := scope(t, "STN01")
	lockScope(t, h, sc)

	_, err := h.svc.ConfirmModel(ctx, ConfirmRequest{Scope: sc, SupplierPartNo: "SP-PART-02", UserID: "anon"})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	st, err := h.svc.LockFields(ctx, LockRequest{Scope: sc, UserID: "anon"})
	require.NoError(t, err)
	require.True(t, st.Locked)
	require.Equal(t, "SP-PART-01", st.Model.SupplierPart)
}

func TestGrantTokenUnlocksOnceAcrossServices(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, a.locks)
	ctx := context.Background()
	sc := scope(t, "STN01")

	token := a.grant(t, "STN01")
	lockScope(t, a, sc)
	res, err := a.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: token})
	require.NoError(t, err)
	require.False(t, res.LockState.Locked)

	lockScope(t, b, sc)
	_, err = b.svc.UnlockFields(ctx, UnlockRequest{Scope: sc, GrantToken: token})
	require.ErrorIs(t, err, lockstate.ErrSupervisorAuthRequired)

	st, err := b.svc.LockState(ctx, sc)
	require.NoError(t, err)
	require.True(t, st.Locked)
}

func TestNewRejectsMissingBackends(t *testing.T) {
	_, err := New(Config{TokenSecret: testSecret})
	require.Error(t, err)

	_, err = New(Config{
		Directory:   identity.NewMemoryDirectory(),
		Catalog:     catalog.NewMemorySource(),
		Locks:       lockstate.NewMemoryStore(),
		TokenSecret: "short",
	})
	require.Error(t, err)
}
