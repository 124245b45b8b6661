package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tagtrace.org/internal/fixtures"
	"tagtrace.org/internal/migrate"
	"tagtrace.org/internal/obs"
	"tagtrace.org/internal/store"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := obs.Logger()
	var (
		driver         = flag.String("driver", envOr("TAGTRACE_DATABASE_DRIVER", string(store.Postgres)), "postgres or sqlite")
		dsn            = flag.String("dsn", os.Getenv("TAGTRACE_DATABASE_DSN"), "database DSN (sqlite: file path)")
		migrationsPath = flag.String("migrations", "", "path to SQL migrations (default ops/migrations/<driver>)")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "path to SQL seeds")
		fixturesPath   = flag.String("fixtures", envOr("TAGTRACE_FIXTURES_FILE", "ops/fixtures/demo.toml"), "TOML fixtures for the fixtures command")
		timeout        = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TAGTRACE_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-driver postgres|sqlite] [up|down|seed|status|fixtures]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := store.Open(store.Dialect(*driver), *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	dialect := string(st.Dialect())
	if *migrationsPath == "" {
		*migrationsPath = filepath.Join("ops", "migrations", dialect)
	}
	mgr := migrate.NewManager(st.DB(), *migrationsPath, *seedsPath, migrate.WithDialect(dialect))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			fmt.Println(e)
		}
	case "fixtures":
		var f fixtures.File
		f, err = fixtures.Load(*fixturesPath)
		if err == nil {
			err = f.Apply(ctx, st)
		}
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", cmd, err)
	}
	log.WithField("driver", dialect).Infof("migrate %s: done", cmd)
}
