package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"membersync.org/internal/drive"
	"membersync.org/internal/drive/remote"
	"membersync.org/internal/entitlement"
	"membersync.org/internal/obs"
	"membersync.org/internal/recon"
	"membersync.org/internal/store/pg"
)

// reconciler is the cron entry point: one pass, print the summary, exit.
func main() {
	log.SetFlags(0)
	obs.Init()

	var (
		dsn       = flag.String("dsn", os.Getenv("MEMBERSYNC_PG_DSN"), "PostgreSQL DSN")
		rulesPath = flag.String("rules", envOr("MEMBERSYNC_RULES_PATH", "config/entitlements.yaml"), "Path to entitlement rules")
		driveURL  = flag.String("drive-url", os.Getenv("MEMBERSYNC_DRIVE_URL"), "Drive bridge base URL")
		profileID = flag.String("profile", "", "Run a targeted pass for one profile instead of a full pass")
		timeout   = flag.Duration("timeout", 30*time.Minute, "Overall pass timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEMBERSYNC_PG_DSN")
	}
	if *driveURL == "" {
		log.Fatal("missing drive bridge URL: provide via -drive-url or MEMBERSYNC_DRIVE_URL")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	dir := pg.NewDirectory(store.DB())
	if err := dir.Ping(context.Background()); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	client, err := remote.New(*driveURL, os.Getenv("MEMBERSYNC_DRIVE_TOKEN"))
	if err != nil {
		log.Fatalf("drive client: %v", err)
	}
	svc := drive.Instrumented(client)
	exec := recon.NewExecutor(svc, store, store, recon.ExecutorConfig{})
	driver := recon.NewDriver(dir,
		func() (*entitlement.Snapshot, error) { return entitlement.Load(*rulesPath) },
		svc, exec, store, recon.DriverConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var summary recon.Summary
	if *profileID != "" {
		summary, err = driver.TargetedPass(ctx, *profileID)
	} else {
		summary, err = driver.FullPass(ctx)
	}
	if err != nil {
		log.Fatalf("pass failed: %v", err)
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if summary.Permanent > 0 || summary.Integrity > 0 {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
