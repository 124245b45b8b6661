package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tagtrace.org/internal/catalog"
	"tagtrace.org/internal/config"
	"tagtrace.org/internal/fixtures"
	"tagtrace.org/internal/httpapi"
	"tagtrace.org/internal/identity"
	"tagtrace.org/internal/lockstate"
	"tagtrace.org/internal/obs"
	"tagtrace.org/internal/store"
	"tagtrace.org/internal/stream"
	"tagtrace.org/internal/traceability"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backends struct {
	directory identity.Directory
	catalog   catalog.Source
	locks     lockstate.Store
	ready     httpapi.ReadyProbe
	close     func() error
}

// openBackends connects to the configured database, or loads the fixture
// file into memory when no driver is set.
func openBackends(cfg *config.Config) (backends, error) {
	if cfg.Database.Driver == "" {
		f, err := fixtures.Load(cfg.Fixtures.File)
		if err != nil {
			return backends{}, err
		}
		mem := fixtures.NewMemory()
		if err := f.Apply(context.Background(), mem); err != nil {
			return backends{}, err
		}
		return backends{
			directory: mem.Directory,
			catalog:   mem.Catalog,
			locks:     lockstate.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	}

	st, err := store.Open(store.Dialect(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return backends{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return backends{}, fmt.Errorf("ping %s: %w", cfg.Database.Driver, err)
	}
	return backends{
		directory: st,
		catalog:   st,
		locks:     st,
		ready:     httpapi.ReadyProbe{DB: st},
		close:     st.Close,
	}, nil
}

func main() {
	cfg := config.MustLoad()

	if err := obs.InitLogger(obs.LogOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := obs.Logger()

	obs.Init()
	storeLabel := cfg.Database.Driver
	if storeLabel == "" {
		storeLabel = "memory"
	}
	obs.InitBuildInfo(version, commit, storeLabel)

	be, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("open backends: %v", err)
	}

	events := stream.New()
	svc, err := traceability.New(traceability.Config{
		Directory:   be.directory,
		Catalog:     be.catalog,
		Locks:       be.locks,
		Events:      events,
		TokenSecret: cfg.Supervisor.TokenSecret,
		TokenIssuer: cfg.Supervisor.TokenIssuer,
		GrantTTL:    cfg.Supervisor.GrantTTL,
	})
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	api := httpapi.New(svc, httpapi.Options{
		Version:        version,
		Ready:          be.ready,
		Events:         events,
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RateBurst:      cfg.HTTP.RateLimit.Burst,
		RatePerSecond:  cfg.HTTP.RateLimit.PerSecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// Zero keeps lock-events streams open.
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	log.WithField("store", storeLabel).Infof("starting tagtrace-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	if err := be.close(); err != nil {
		log.Warnf("close store: %v", err)
	}
	log.Info("stopped")
}
