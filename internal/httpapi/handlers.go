package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tagtrace.org/internal/obs"
	"tagtrace.org/internal/stream"
	"tagtrace.org/internal/traceability"
)

const defaultMaxBodyBytes = 1 << 20

// Pinger is satisfied by the database store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Options tunes the HTTP layer.
type Options struct {
	Version        string
	Ready          ReadyProbe
	Events         *stream.Stream
	CORSOrigins    []string
	RateBurst      int
	RatePerSecond  int
	MaxBodyBytes   int64
	// TrustedProxies are the peers whose X-Forwarded-For is believed when
	// attributing a request to a client for rate limiting.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer of the terminal backend.
type API struct {
	svc         *traceability.Service
	events      *stream.Stream
	readyProbe  ReadyProbe
	version     string
	corsOrigins []string
	rateBurst   int
	ratePerSec  int
	maxBody     int64
	trusted     []netip.Prefix
}

func New(svc *traceability.Service, opts Options) *API {
	a := &API{
		svc:         svc,
		events:      opts.Events,
		readyProbe:  opts.Ready,
		version:     opts.Version,
		corsOrigins: opts.CORSOrigins,
		rateBurst:   opts.RateBurst,
		ratePerSec:  opts.RatePerSecond,
		maxBody:     opts.MaxBodyBytes,
		trusted:     opts.TrustedProxies,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 10
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 5
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}
	return a
}

// Handler builds the router and wraps it with the middleware chain.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(obs.Instrument)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	// Credential checks share one per-IP limiter.
	limited := newIPLimiter(a.rateBurst, a.ratePerSec, a.trusted)
	t := r.PathPrefix("/api/traceability").Subrouter()
	t.Handle("/login", limited.wrap(http.HandlerFunc(a.login))).Methods(http.MethodPost)
	t.Handle("/traceability-user", limited.wrap(http.HandlerFunc(a.traceabilityUser))).Methods(http.MethodPost)
	t.Handle("/supervisor-login", limited.wrap(http.HandlerFunc(a.supervisorLogin))).Methods(http.MethodPost)
	t.Handle("/unlock-fields", limited.wrap(http.HandlerFunc(a.unlockFields))).Methods(http.MethodPost)
	t.HandleFunc("/model-list", a.modelList).Methods(http.MethodPost)
	t.HandleFunc("/confirm-model", a.confirmModel).Methods(http.MethodPost)
	t.HandleFunc("/lock-fields", a.lockFields).Methods(http.MethodPost)
	t.HandleFunc("/lock-state", a.lockState).Methods(http.MethodGet)
	t.HandleFunc("/lock-events", a.lockEvents).Methods(http.MethodGet)

	var h http.Handler = r
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(h, a.corsOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = Recoverer(h)
	h = RequestID(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tagtrace-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tagtrace-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

// envelope is the response body of every traceability endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, msg string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if code >= http.StatusInternalServerError {
		obs.Logger().WithField("request_id", RequestIDFromContext(r.Context())).
			WithField("status", code).Error(msg)
	}
	writeJSON(w, code, envelope{Success: false, Message: msg})
}

// decodeJSON reads exactly one JSON object of at most a.maxBody bytes.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, a.maxBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func trimAll(vals ...*string) {
	for _, v := range vals {
		*v = strings.TrimSpace(*v)
	}
}
