package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"membersync.org/internal/obs"
	"membersync.org/internal/recon"
)

// ReadyProbe reports readiness, typically by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the ops HTTP layer: pass triggers, audit queries, record lookups
// and the membership event intake.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	driver     *recon.Driver
	records    recon.RecordStore
	audit      recon.AuditStore
	dispatcher *recon.Dispatcher
}

func New(rp ReadyProbe, version string, driver *recon.Driver, records recon.RecordStore, audit recon.AuditStore, dispatcher *recon.Dispatcher) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		driver:     driver,
		records:    records,
		audit:      audit,
		dispatcher: dispatcher,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// reconciliation
	a.mux.HandleFunc("/v1/recon/full", a.handleFullPass)
	a.mux.HandleFunc("/v1/recon/targeted", a.handleTargetedPass)
	a.mux.HandleFunc("/v1/recon/audit", a.handleAudit)
	a.mux.HandleFunc("/v1/recon/records", a.handleRecords)

	// membership change intake
	a.mux.HandleFunc("/v1/events", a.handleEvents)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware-wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 100, 50)
	h = SecurityHeaders(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "membersync-api",
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
		"name":    "membersync-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
