package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicore.org/internal/access"
	"clinicore.org/internal/audit"
	"clinicore.org/internal/auth"
	"clinicore.org/internal/config"
	"clinicore.org/internal/httpapi"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/pipeline"
	"clinicore.org/internal/store"
	"clinicore.org/internal/store/memory"
	"clinicore.org/internal/store/pg"
	"clinicore.org/internal/tenant"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("CLINICORE_CONFIG"), "Path to YAML config")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Without a DSN the service runs on the in-memory store: a demo
	// deployment with no persistence.
	var (
		st     store.Store
		ready  httpapi.ReadyProbe
		pgDone func()
	)
	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.Options{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		})
		if err != nil {
			log.Fatalf("open postgres: %v", err)
		}
		st = pgStore
		ready = httpapi.ReadyProbe{DB: pgStore.DB()}
		pgDone = func() { _ = pgStore.Close() }
	} else {
		obs.Log("warn", "memory_store", map[string]any{"msg": "no postgres dsn configured, data will not persist"})
		st = memory.New()
	}

	codec, err := auth.NewCodec(cfg.Auth.Secret,
		auth.WithTokenTTL(cfg.Auth.TokenTTL),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAudience(cfg.Auth.Audience),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}

	resolver, err := tenant.NewResolver(st,
		tenant.WithDefaultSlug(cfg.Tenant.DefaultSlug),
		tenant.WithDemoMode(cfg.Tenant.DemoMode),
		tenant.WithCacheTTL(cfg.Tenant.CacheTTL),
	)
	if err != nil {
		log.Fatalf("tenant resolver: %v", err)
	}

	enforcer, err := pipeline.NewEnforcer(codec, st)
	if err != nil {
		log.Fatalf("enforcer: %v", err)
	}
	engine, err := access.NewEngine(st)
	if err != nil {
		log.Fatalf("access engine: %v", err)
	}
	recorder, err := audit.NewRecorder(st, cfg.Audit.Buffer)
	if err != nil {
		log.Fatalf("audit recorder: %v", err)
	}

	api, err := httpapi.New(httpapi.Options{
		Store:         st,
		Resolver:      resolver,
		Enforcer:      enforcer,
		Engine:        engine,
		Recorder:      recorder,
		Codec:         codec,
		Ready:         ready,
		SystemKey:     cfg.System.Key,
		Version:       version,
		RatePerSecond: cfg.Rate.PerSecond,
		RateBurst:     cfg.Rate.Burst,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting clinicore-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	recorder.Close()
	resolver.Close()
	if pgDone != nil {
		pgDone()
	}
	log.Println("Stopped")
}
