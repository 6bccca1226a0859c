package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"membersync.org/internal/obs"
	"membersync.org/internal/recon"
)

const roleReconAdmin = "recon_admin"

type targetedPassRequest struct {
	ProfileID string `json:"profile_id"`
}

type eventRequest struct {
	Kind      string `json:"kind"`
	ProfileID string `json:"profile_id"`
}

// handleFullPass starts a full pass in the background and returns 202.
// Full passes can run for minutes; callers follow progress via the audit
// log and metrics.
func (a *API) handleFullPass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requireRole(r.Context(), roleReconAdmin); err != nil {
		writeError(w, r, http.StatusForbidden, "recon_admin role required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := a.driver.FullPass(ctx); err != nil && !errors.Is(err, recon.ErrAlreadyRunning) {
			obs.LogEvent(map[string]any{
				"type": "httpapi", "event": "full_pass_failed", "error": err.Error(),
			})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "started",
	})
}

// handleTargetedPass runs a pass for one member synchronously and returns
// the summary.
func (a *API) handleTargetedPass(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requireRole(r.Context(), roleReconAdmin); err != nil {
		writeError(w, r, http.StatusForbidden, "recon_admin role required")
		return
	}

	var req targetedPassRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		writeError(w, r, http.StatusBadRequest, "profile_id is required")
		return
	}

	summary, err := a.driver.TargetedPass(r.Context(), req.ProfileID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "pass failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	filter := recon.AuditFilter{
		ProfileID:  q.Get("profile_id"),
		ResourceID: q.Get("resource_id"),
		Outcome:    recon.Outcome(q.Get("outcome")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	entries, err := a.audit.Recent(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []recon.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
	})
}

func (a *API) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	profileID := r.URL.Query().Get("profile_id")
	if strings.TrimSpace(profileID) == "" {
		writeError(w, r, http.StatusBadRequest, "profile_id query parameter is required")
		return
	}

	records, err := a.records.ListByProfile(r.Context(), profileID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []recon.PermissionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": records,
	})
}

// handleEvents accepts membership change notifications and fans them out
// to the pass consumer.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	kind := recon.EventKind(req.Kind)
	if kind != recon.EventStatusChanged && kind != recon.EventTeamChanged {
		writeError(w, r, http.StatusBadRequest, "unknown event kind")
		return
	}
	if strings.TrimSpace(req.ProfileID) == "" {
		writeError(w, r, http.StatusBadRequest, "profile_id is required")
		return
	}

	a.dispatcher.Publish(recon.Event{Kind: kind, ProfileID: req.ProfileID})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
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

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error": msg,
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
