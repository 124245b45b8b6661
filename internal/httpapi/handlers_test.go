package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/fixtures"
	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/stream"
	"tagtrace.org/internal/traceability"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type apiClient struct {
	baseURL string
	client  *http.Client
	clock   *testClock
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()
	return newTestAPIWith(t, Options{Version: "test"})
}

// newTestAPIWith serves the demo fixtures plus QA001, a supervisor bound to no
// supplier or plant, and OP002, an operator without a home station.
func newTestAPIWith(t *testing.T, opts Options) *apiClient {
	t.Helper()

	f, err := fixtures.Load("../../ops/fixtures/demo.toml")
	if err != nil {
		t.Fatalf("load fixtures: %v", err)
	}
	mem := fixtures.NewMemory()
	if err := f.Apply(context.Background(), mem); err != nil {
		t.Fatalf("apply fixtures: %v", err)
	}
	extra := []identity.Account{
		{
			Profile: identity.Profile{
				UserID:       "QA001",
				DisplayName:  "Quality Head",
				RoleGroup:    "Supervisor",
				Capabilities: []identity.Capability{identity.CapSupervisorTierA},
			},
			PasswordHash: identity.LegacyHash("qa12345"),
			Active:       true,
		},
		{
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
		},
	}
	for _, acc := range extra {
		if err := mem.Directory.Put(acc); err != nil {
			t.Fatalf("put %s: %v", acc.Profile.UserID, err)
		}
	}

	clock := &testClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	events := stream.New()
	svc, err := traceability.New(traceability.Config{
		Directory:   mem.Directory,
		Catalog:     mem.Catalog,
		Locks:       lockstate.NewMemoryStore(),
		Events:      events,
		TokenSecret: "test-secret-0123456789",
		GrantTTL:    2 * time.Minute,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	opts.Events = events
	api := New(svc, opts)
	api.rateBurst = 100
	api.ratePerSec = 100

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		clock:   clock,
		t:       t,
	}
}

func (c *apiClient) post(path string, body any) *http.Response {
	c.t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type response[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func expect[T any](t *testing.T, resp *http.Response, code int) response[T] {
	t.Helper()
	if resp.StatusCode != code {
		body := decode[map[string]any](t, resp)
		t.Fatalf("expected status %d, got %d: %v", code, resp.StatusCode, body)
	}
	out := decode[response[T]](t, resp)
	if out.Success != (code == http.StatusOK) {
		t.Fatalf("success=%v for status %d", out.Success, code)
	}
	return out
}

var (
	stn01 = map[string]any{"supplier_code": "SUP001", "plant_code": "PLT01", "station_no": "STN01"}
	stn02 = map[string]any{"supplier_code": "SUP001", "plant_code": "PLT01", "station_no": "STN02"}
)

func withScope(extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range stn01 {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// grant signs SUPERVISOR001 in for a scope and returns the grant token.
func (c *apiClient) grant(scope map[string]any) string {
	c.t.Helper()
	body := map[string]any{"user_id": "SUPERVISOR001", "password": "super123"}
	for k, v := range scope {
		body[k] = v
	}
	res := expect[traceability.SupervisorLogin](c.t, c.post("/api/traceability/supervisor-login", body), http.StatusOK)
	if res.Data.GrantToken == "" {
		c.t.Fatal("expected grant token")
	}
	return res.Data.GrantToken
}

func TestScenarioTagPrintSession(t *testing.T) {
	c := newTestAPI(t)

	login := expect[map[string]any](t, c.post("/api/traceability/login",
		map[string]any{"user_id": "1111", "password": "password123"}), http.StatusOK)
	if login.Message != "Login successful" || login.Data["user_name"] != "Mukesh" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	bad := expect[any](t, c.post("/api/traceability/supervisor-login",
		map[string]any{"user_id": "SUPERVISOR001", "password": "wrong"}), http.StatusUnauthorized)
	if bad.Message != msgSupervisorDenied {
		t.Fatalf("unexpected message: %q", bad.Message)
	}

	unknown := map[string]any{"supplier_code": "SUP009", "plant_code": "PLT01", "station_no": "STN01"}
	qa := expect[traceability.SupervisorLogin](t, c.post("/api/traceability/supervisor-login",
		map[string]any{"user_id": "QA001", "password": "qa12345", "supplier_code": "SUP009", "plant_code": "PLT01", "station_no": "STN01"}),
		http.StatusOK)
	unknown["grant_token"] = qa.Data.GrantToken
	empty := expect[any](t, c.post("/api/traceability/model-list", unknown), http.StatusBadRequest)
	if empty.Message != "No models found for this station/plant" {
		t.Fatalf("unexpected message: %q", empty.Message)
	}

	expect[any](t, c.post("/api/traceability/confirm-model",
		map[string]any{"supplier_part_no": "SP-PART-04", "supplier_code": "SUP001", "plant_code": "PLT01", "station_no": "STN02",
			"grant_token": c.grant(stn02)}),
		http.StatusBadRequest)

	ungranted := expect[any](t, c.post("/api/traceability/model-list", stn01), http.StatusBadRequest)
	if ungranted.Message != msgSupervisorFailed {
		t.Fatalf("unexpected message: %q", ungranted.Message)
	}

	token := c.grant(stn01)

	models := expect[[]catalog.ModelRecord](t, c.post("/api/traceability/model-list",
		withScope(map[string]any{"grant_token": token, "printed_by": "1111"})), http.StatusOK)
	if models.Message != "Found 3 model(s)" {
		t.Fatalf("unexpected message: %q", models.Message)
	}

	confirmed := expect[catalog.ModelRecord](t, c.post("/api/traceability/confirm-model",
		withScope(map[string]any{"supplier_part_no": "SP-PART-01", "user_id": "1111", "grant_token": token})), http.StatusOK)
	if confirmed.Data.PartNo != "CP-1001" {
		t.Fatalf("unexpected model: %+v", confirmed.Data)
	}

	locked := expect[lockstate.State](t, c.post("/api/traceability/lock-fields",
		withScope(map[string]any{"user_id": "1111"})), http.StatusOK)
	if !locked.Data.Locked || locked.Message != "Fields locked successfully" {
		t.Fatalf("expected locked: %+v", locked)
	}

	swapped := expect[any](t, c.post("/api/traceability/confirm-model",
		withScope(map[string]any{"supplier_part_no": "SP-PART-02", "user_id": "1111"})), http.StatusBadRequest)
	if swapped.Message != msgSupervisorFailed {
		t.Fatalf("unexpected message: %q", swapped.Message)
	}

	c.clock.Advance(3 * time.Minute)
	stale := expect[any](t, c.post("/api/traceability/unlock-fields",
		withScope(map[string]any{"grant_token": token})), http.StatusBadRequest)
	if stale.Message != msgSupervisorFailed {
		t.Fatalf("unexpected message: %q", stale.Message)
	}

	state := expect[lockstate.State](t, c.get("/api/traceability/lock-state", url.Values{
		"supplier_code": {"SUP001"}, "plant_code": {"PLT01"}, "station_no": {"STN01"},
	}), http.StatusOK)
	if !state.Data.Locked {
		t.Fatal("stale grant must leave the scope locked")
	}
	if state.Data.Model == nil || state.Data.Model.SupplierPart != "SP-PART-01" {
		t.Fatalf("locked model changed without a supervisor: %+v", state.Data.Model)
	}

	unlocked := expect[traceability.UnlockResult](t, c.post("/api/traceability/unlock-fields",
		withScope(map[string]any{"user_id": "SUPERVISOR001", "password": "super123"})), http.StatusOK)
	if unlocked.Data.LockState.Locked || !unlocked.Data.SupervisorVerified {
		t.Fatalf("unexpected unlock result: %+v", unlocked.Data)
	}
}

func TestTraceabilityUserFormContext(t *testing.T) {
	c := newTestAPI(t)

	ok := expect[map[string]any](t, c.post("/api/traceability/traceability-user",
		map[string]any{"user_id": "1111", "password": "password123"}), http.StatusOK)
	if ok.Data["packing_station"] != "STN01" || ok.Data["plant_name"] != "Noida Plant 1" {
		t.Fatalf("unexpected form context: %v", ok.Data)
	}

	denied := expect[any](t, c.post("/api/traceability/traceability-user",
		map[string]any{"user_id": "1111", "password": "nope"}), http.StatusUnauthorized)
	if denied.Message != msgTraceabilityDenied {
		t.Fatalf("unexpected message: %q", denied.Message)
	}
}

func TestSupervisorLoginInsufficientRights(t *testing.T) {
	c := newTestAPI(t)
	expect[any](t, c.post("/api/traceability/supervisor-login",
		map[string]any{"user_id": "1111", "password": "password123"}), http.StatusForbidden)
	expect[any](t, c.post("/api/traceability/unlock-fields",
		withScope(map[string]any{"user_id": "1111", "password": "password123"})), http.StatusForbidden)
}

func TestLockFieldsRequiresConfirmedModel(t *testing.T) {
	c := newTestAPI(t)
	resp := expect[any](t, c.post("/api/traceability/lock-fields", stn01), http.StatusBadRequest)
	if !strings.Contains(resp.Message, "failed to lock fields") {
		t.Fatalf("unexpected message: %q", resp.Message)
	}

	expect[any](t, c.post("/api/traceability/unlock-fields", stn01), http.StatusBadRequest)
}

func TestRequestValidation(t *testing.T) {
	c := newTestAPI(t)

	expect[any](t, c.post("/api/traceability/login", nil), http.StatusBadRequest)
	expect[any](t, c.post("/api/traceability/login", `{"user_id":"1111","password":"x","extra":1}`), http.StatusBadRequest)
	expect[any](t, c.post("/api/traceability/login", `{"user_id":"1111"} {}`), http.StatusBadRequest)

	resp := expect[any](t, c.post("/api/traceability/model-list",
		map[string]any{"supplier_code": "SUP001", "plant_code": "PLT01"}), http.StatusBadRequest)
	if !strings.Contains(resp.Message, "station_no is required") {
		t.Fatalf("unexpected message: %q", resp.Message)
	}

	expect[any](t, c.post("/api/traceability/confirm-model", stn01), http.StatusBadRequest)
	expect[any](t, c.get("/api/traceability/lock-state", nil), http.StatusBadRequest)

	wrongMethod := c.get("/api/traceability/login", nil)
	if wrongMethod.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", wrongMethod.StatusCode)
	}
	wrongMethod.Body.Close()

	missing := c.get("/api/traceability/nope", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
	missing.Body.Close()
}

func TestRequestBodyLimitFollowsOptions(t *testing.T) {
	c := newTestAPIWith(t, Options{Version: "test", MaxBodyBytes: 4 << 20})

	long := strings.Repeat("x", 3<<19)
	resp := expect[any](t, c.post("/api/traceability/login",
		map[string]any{"user_id": "1111", "password": long}), http.StatusUnauthorized)
	if resp.Message != "Invalid user ID or password" {
		t.Fatalf("unexpected message: %q", resp.Message)
	}

	small := newTestAPIWith(t, Options{Version: "test", MaxBodyBytes: 256})
	expect[any](t, small.post("/api/traceability/login",
		map[string]any{"user_id": "1111", "password": strings.Repeat("x", 512)}), http.StatusBadRequest)
}

func TestSupervisorLoginWithoutRightsIsForbidden(t *testing.T) {
	c := newTestAPI(t)
	// OP002 has no home station, so without the rights check first the
	// missing scope would surface as a 400.
	resp := expect[any](t, c.post("/api/traceability/supervisor-login",
		map[string]any{"user_id": "OP002", "password": "relief123"}), http.StatusForbidden)
	if resp.Message != msgSupervisorDenied {
		t.Fatalf("unexpected message: %q", resp.Message)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
	body := decode[map[string]any](t, resp)
	if body["version"] != "test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	ready := c.get("/readyz", nil)
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", ready.StatusCode)
	}
	ready.Body.Close()

	metrics := c.get("/metrics", nil)
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", metrics.StatusCode)
	}
	metrics.Body.Close()
}

func TestLockEventsStream(t *testing.T) {
	c := newTestAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/traceability/lock-events?supplier_code=SUP001&plant_code=PLT01&station_no=STN01", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	expect[any](t, c.post("/api/traceability/confirm-model",
		withScope(map[string]any{"supplier_part_no": "SP-PART-02", "grant_token": c.grant(stn01)})), http.StatusOK)
	expect[any](t, c.post("/api/traceability/lock-fields", stn01), http.StatusOK)

	lines := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(strings.TrimSpace(line), "data: ")
				return
			}
		}
	}()

	select {
	case data := <-lines:
		var evt stream.LockEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if !evt.Locked || evt.SupplierPart != "SP-PART-02" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lock event")
	}
}
