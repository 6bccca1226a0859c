package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"membersync.org/internal/drive"
	"membersync.org/internal/drive/remote"
	"membersync.org/internal/entitlement"
	"membersync.org/internal/httpapi"
	"membersync.org/internal/membership"
	"membersync.org/internal/obs"
	"membersync.org/internal/recon"
	"membersync.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	addr := envOr("MEMBERSYNC_ADDR", ":8080")
	rulesPath := envOr("MEMBERSYNC_RULES_PATH", "config/entitlements.yaml")

	// Stores: PostgreSQL when a DSN is configured, in-memory otherwise
	// (local development only, state is lost on restart).
	var (
		records recon.RecordStore
		audit   recon.AuditStore
		dir     membership.Directory
		probe   httpapi.ReadyProbe
	)
	if dsn := os.Getenv("MEMBERSYNC_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		pgDir := pg.NewDirectory(store.DB())
		if err := pgDir.Ping(context.Background()); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		records = store
		audit = store
		dir = pgDir
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("MEMBERSYNC_PG_DSN not set, using in-memory stores")
		records = recon.NewInMemoryRecords()
		audit = recon.NewInMemoryAudit()
		dir = membership.NewInMemoryDirectory()
	}

	// External provider: the HTTP bridge when configured, otherwise the
	// in-process fake for local development.
	var svc drive.Service
	if base := os.Getenv("MEMBERSYNC_DRIVE_URL"); base != "" {
		client, err := remote.New(base, os.Getenv("MEMBERSYNC_DRIVE_TOKEN"))
		if err != nil {
			log.Fatalf("drive client: %v", err)
		}
		svc = client
	} else {
		log.Println("MEMBERSYNC_DRIVE_URL not set, using in-process fake provider")
		svc = drive.NewFake(0)
	}
	svc = drive.Instrumented(svc)

	exec := recon.NewExecutor(svc, records, audit, recon.ExecutorConfig{
		Window:      envDuration("MEMBERSYNC_PASS_WINDOW", 5*time.Minute),
		MaxAttempts: envInt("MEMBERSYNC_MAX_ATTEMPTS", 3),
		BaseDelay:   envDuration("MEMBERSYNC_RETRY_BASE_DELAY", time.Second),
		CallTimeout: envDuration("MEMBERSYNC_CALL_TIMEOUT", 30*time.Second),
	})
	driver := recon.NewDriver(dir,
		func() (*entitlement.Snapshot, error) { return entitlement.Load(rulesPath) },
		svc, exec, records,
		recon.DriverConfig{Workers: envInt("MEMBERSYNC_WORKERS", 4)})

	dispatcher := recon.NewDispatcher()

	rootCtx, stopBackground := context.WithCancel(context.Background())
	go recon.Consume(rootCtx, dispatcher, driver)
	go runCadence(rootCtx, driver)

	api := httpapi.New(probe, version, driver, records, audit, dispatcher)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting membersync-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

// runCadence drives the periodic work: full passes, the retry backlog and
// the expiry sweep.
func runCadence(ctx context.Context, driver *recon.Driver) {
	full := time.NewTicker(envDuration("MEMBERSYNC_FULL_PASS_INTERVAL", time.Hour))
	retry := time.NewTicker(envDuration("MEMBERSYNC_RETRY_INTERVAL", 5*time.Minute))
	sweep := time.NewTicker(envDuration("MEMBERSYNC_SWEEP_INTERVAL", 24*time.Hour))
	defer full.Stop()
	defer retry.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-full.C:
			if _, err := driver.FullPass(ctx); err != nil && err != recon.ErrAlreadyRunning {
				log.Printf("full pass: %v", err)
			}
		case <-retry.C:
			if _, err := driver.RetryBacklog(ctx); err != nil {
				log.Printf("retry backlog: %v", err)
			}
		case <-sweep.C:
			if _, err := driver.ExpirySweep(ctx); err != nil {
				log.Printf("expiry sweep: %v", err)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("invalid %s=%q, using %d", key, v, def)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("invalid %s=%q, using %s", key, v, def)
	}
	return def
}
