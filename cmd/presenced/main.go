package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"comebearing.dev/internal/enroll"
	"comebearing.dev/internal/httpapi"
	"comebearing.dev/internal/msauth"
	"comebearing.dev/internal/notify"
	"comebearing.dev/internal/obs"
	"comebearing.dev/internal/presence"
	"comebearing.dev/internal/tablestore"
	"comebearing.dev/internal/tablestore/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backing store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		store tablestore.Store
		db    *sql.DB
	)
	if dsn := os.Getenv("PRESENCE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
		defer pgStore.Close()
	} else {
		log.Printf("PRESENCE_PG_DSN not set, using in-memory store")
		store = tablestore.NewInMemory()
	}

	// Notification transport: NATS when configured, otherwise discard.
	var publisher notify.Publisher = notify.Noop{}
	if natsURL := os.Getenv("PRESENCE_NATS_URL"); natsURL != "" {
		np, err := notify.ConnectNATS(natsURL, "presenced")
		if err != nil {
			log.Fatalf("connect nats: %v", err)
		}
		publisher = np
		defer np.Close()
	} else {
		log.Printf("PRESENCE_NATS_URL not set, presence changes will not be published")
	}

	cfg, err := authConfig(ctx)
	if err != nil {
		log.Fatalf("auth config: %v", err)
	}

	factory := msauth.NewFactory(cfg, store)
	creds := func(identifier string) (presence.TokenAcquirer, error) {
		return factory.ForIdentifier(identifier)
	}
	fetcher := &presence.GraphFetcher{BaseURL: envOr("PRESENCE_GRAPH_URL", "https://graph.microsoft.com")}

	pipeline := presence.NewPipeline(store, creds, fetcher, publisher,
		presence.WithWorkers(envInt("PRESENCE_WORKERS", 4)),
		presence.WithRateLimit(10, 10))

	enrollSvc := enroll.New(enroll.FactoryAdapter{Factory: factory}, store)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, store, pipeline, enrollSvc)

	srv := &http.Server{
		Addr:              envOr("PRESENCE_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting presenced %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	interval := envDuration("PRESENCE_POLL_INTERVAL", 30*time.Second)
	go pollLoop(ctx, pipeline, interval)

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

// pollLoop runs the change-detection pipeline at the configured cadence. A run
// still in flight when the ticker fires makes that tick a no-op rather than
// stacking overlapping runs.
func pollLoop(ctx context.Context, pipeline *presence.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	inFlight := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case inFlight <- struct{}{}:
			default:
				obs.Info("poll tick skipped, previous run still in flight", nil)
				continue
			}
			go func() {
				defer func() { <-inFlight }()
				result, err := pipeline.Run(ctx)
				if err != nil && ctx.Err() == nil {
					obs.Error("pipeline run failed", map[string]any{"error": err.Error()})
					return
				}
				obs.Info("pipeline run complete", map[string]any{
					"run_id":      result.RunID,
					"subscribers": result.Subscribers,
					"changed":     result.Changed,
					"failed":      result.Failed,
				})
			}()
		}
	}
}

func authConfig(ctx context.Context) (msauth.Config, error) {
	tenant := envOr("PRESENCE_TENANT_ID", "common")
	login := "https://login.microsoftonline.com/" + tenant

	cfg := msauth.Config{
		ClientID:     os.Getenv("PRESENCE_CLIENT_ID"),
		ClientSecret: os.Getenv("PRESENCE_CLIENT_SECRET"),
		TenantID:     tenant,
		RedirectURI:  os.Getenv("PRESENCE_REDIRECT_URI"),

		AuthorizeEndpoint: login + "/oauth2/v2.0/authorize",
		TokenEndpoint:     login + "/oauth2/v2.0/token",
		JWKSURL:           login + "/discovery/v2.0/keys",
		Issuer:            login + "/v2.0",

		Scopes: []string{"offline_access", "Presence.Read"},
	}

	if cfg.ClientID != "" {
		keyfn, _, err := msauth.LoadKeys(ctx, cfg.JWKSURL)
		if err != nil {
			return msauth.Config{}, err
		}
		cfg.Keyfunc = keyfn
	} else {
		log.Printf("PRESENCE_CLIENT_ID not set, token acquisition will fail until configured")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
