package recon

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"membersync.org/internal/drive"
	"membersync.org/internal/ids"
	"membersync.org/internal/obs"
)

// ExecutorConfig carries the execution knobs: how wide to spread a pass,
// how often to retry, how long a single provider call may take.
type ExecutorConfig struct {
	// Window is the time a full pass's actions are spread across instead
	// of bursting against provider quotas.
	Window time.Duration
	// MaxAttempts bounds tries per action, first attempt included.
	MaxAttempts int
	// BaseDelay is the first backoff; it doubles per retry.
	BaseDelay time.Duration
	// CallTimeout bounds one provider call.
	CallTimeout time.Duration
}

// DefaultExecutorConfig is tuned for the provider's default per-minute quota.
var DefaultExecutorConfig = ExecutorConfig{
	Window:      5 * time.Minute,
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	CallTimeout: 30 * time.Second,
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	d := DefaultExecutorConfig
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Executor applies convergence actions: idempotent, paced, retried with
// exponential backoff. Every attempt writes one audit entry.
type Executor struct {
	svc     drive.Service
	records RecordStore
	audit   AuditStore
	cfg     ExecutorConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor.
func NewExecutor(svc drive.Service, records RecordStore, audit AuditStore, cfg ExecutorConfig) *Executor {
	return &Executor{
		svc:     svc,
		records: records,
		audit:   audit,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Pace returns a limiter spreading n actions evenly across the configured
// window rather than issuing them in a burst. Each pass owns its limiter;
// concurrent passes pace independently.
func (e *Executor) Pace(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	perSecond := float64(n) / e.cfg.Window.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Apply executes one action to completion: success, exhausted retries, or
// permanent failure. lim paces the pass the action belongs to; nil skips
// pacing. The returned error is non-nil only on context cancellation;
// action-level failures are reported through the Outcome.
func (e *Executor) Apply(ctx context.Context, passID string, act Action, lim *rate.Limiter) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeTransient, ErrPassCancelled
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return OutcomeTransient, ErrPassCancelled
		}
	}

	switch act.Kind {
	case ActionGrant:
		return e.applyGrant(ctx, passID, act)
	case ActionRevoke:
		return e.applyRevoke(ctx, passID, act)
	default:
		return OutcomePermanent, fmt.Errorf("recon: unknown action kind %q", act.Kind)
	}
}

func (e *Executor) applyGrant(ctx context.Context, passID string, act Action) (Outcome, error) {
	// Idempotency: an active record at same-or-higher level means the
	// grant already happened. No provider call, no duplicate record.
	existing, found, err := e.records.FindActive(ctx, act.Principal, act.ResourceID)
	if err != nil {
		e.writeAudit(ctx, passID, act, OutcomePermanent, 0, "record lookup failed: "+err.Error())
		obs.ObserveAction(string(act.Kind), string(OutcomePermanent))
		return OutcomePermanent, nil
	}
	if found && existing.Status == RecordGranted && existing.Level.Covers(act.Level) {
		e.writeAudit(ctx, passID, act, OutcomeSuccess, 1, "already granted")
		obs.ObserveAction(string(act.Kind), string(OutcomeSuccess))
		return OutcomeSuccess, nil
	}

	outcome, extID, attempts, _, err := e.attempt(ctx, passID, act, func(callCtx context.Context) (string, error) {
		return e.svc.Grant(callCtx, act.ResourceID, act.Principal, act.Level)
	})
	if err != nil {
		return outcome, err
	}

	now := e.now()
	switch outcome {
	case OutcomeSuccess:
		rec := PermissionRecord{
			ID:         ids.New(),
			ProfileID:  act.ProfileID,
			Principal:  act.Principal,
			ResourceID: act.ResourceID,
			Level:      act.Level,
			ExternalID: extID,
			Status:     RecordGranted,
			Via:        act.Via,
			Attempts:   attempts,
			GrantedAt:  now,
			UpdatedAt:  now,
		}
		if found {
			rec.ID = existing.ID
			rec.GrantedAt = now
			err = e.records.Update(ctx, rec)
		} else {
			err = e.records.Create(ctx, rec)
		}
		if err != nil {
			logPassEvent("recon.record_write_failed", map[string]any{"error": err.Error(), "record": rec.ID})
		}
	case OutcomeTransient:
		// Retries exhausted on transient errors: record the retry state
		// explicitly so a later backlog run can pick it up.
		e.upsertFailedGrant(ctx, existing, found, act, RecordPendingRetry, attempts, now)
		outcome = OutcomePermanent
	case OutcomePermanent:
		e.upsertFailedGrant(ctx, existing, found, act, RecordFailed, attempts, now)
	}
	obs.ObserveAction(string(act.Kind), string(outcome))
	return outcome, nil
}

func (e *Executor) applyRevoke(ctx context.Context, passID string, act Action) (Outcome, error) {
	rec, found, err := e.records.FindActive(ctx, act.Principal, act.ResourceID)
	if err != nil {
		e.writeAudit(ctx, passID, act, OutcomePermanent, 0, "record lookup failed: "+err.Error())
		obs.ObserveAction(string(act.Kind), string(OutcomePermanent))
		return OutcomePermanent, nil
	}

	// Nothing to call: no permission id from the record or the listing.
	// Either the grant never existed or the external side already dropped
	// it; close out our record if one remains.
	if act.ExternalID == "" {
		if found {
			e.markRevoked(ctx, rec)
		}
		e.writeAudit(ctx, passID, act, OutcomeSuccess, 1, "no external grant to revoke")
		obs.ObserveAction(string(act.Kind), string(OutcomeSuccess))
		return OutcomeSuccess, nil
	}

	outcome, _, attempts, _, err := e.attempt(ctx, passID, act, func(callCtx context.Context) (string, error) {
		callErr := e.svc.Revoke(callCtx, act.ResourceID, act.ExternalID)
		if drive.IsNotFound(callErr) {
			// Already absent on the provider side: converged.
			return "", nil
		}
		return "", callErr
	})
	if err != nil {
		return outcome, err
	}

	switch outcome {
	case OutcomeSuccess:
		if found {
			e.markRevoked(ctx, rec)
		}
	case OutcomeTransient:
		// Revoke retries exhausted: mark the record for the backlog. It
		// stays non-revoked, so the next pass still emits the revoke even
		// if the backlog never gets to it.
		if found {
			now := e.now()
			rec.Status = RecordPendingRetry
			rec.Attempts += attempts
			rec.NextAttemptAt = now.Add(drive.RetryPolicy{MaxAttempts: e.cfg.MaxAttempts, BaseDelay: e.cfg.BaseDelay}.Backoff(attempts + 1))
			rec.UpdatedAt = now
			if err := e.records.Update(ctx, rec); err != nil {
				logPassEvent("recon.record_write_failed", map[string]any{"error": err.Error(), "record": rec.ID})
			}
		}
		outcome = OutcomePermanent
	case OutcomePermanent:
		if found {
			rec.Attempts += attempts
			rec.UpdatedAt = e.now()
			if err := e.records.Update(ctx, rec); err != nil {
				logPassEvent("recon.record_write_failed", map[string]any{"error": err.Error(), "record": rec.ID})
			}
		}
	}
	obs.ObserveAction(string(act.Kind), string(outcome))
	return outcome, nil
}

// attempt runs the provider call under the retry policy. Each attempt
// writes one audit entry: TRANSIENT_FAILURE for a retried attempt, SUCCESS
// or PERMANENT_FAILURE for the final one. The returned outcome is
// OutcomeTransient only when every attempt failed transiently (retries
// exhausted); callers map that to a permanent result for the pass summary.
func (e *Executor) attempt(ctx context.Context, passID string, act Action, call func(context.Context) (string, error)) (Outcome, string, int, string, error) {
	var lastDetail string
	for n := 1; n <= e.cfg.MaxAttempts; n++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		result, err := call(callCtx)
		cancel()

		if err == nil {
			e.writeAudit(ctx, passID, act, OutcomeSuccess, n, "")
			return OutcomeSuccess, result, n, "", nil
		}
		if ctx.Err() != nil {
			// Shutdown mid-action: nothing applied, nothing audited for
			// this attempt; the next pass starts from a fresh diff.
			return OutcomeTransient, "", n, "", ErrPassCancelled
		}

		lastDetail = err.Error()
		if !drive.IsTransient(err) {
			e.writeAudit(ctx, passID, act, OutcomePermanent, n, lastDetail)
			return OutcomePermanent, "", n, lastDetail, nil
		}
		if n == e.cfg.MaxAttempts {
			e.writeAudit(ctx, passID, act, OutcomePermanent, n, "retries exhausted: "+lastDetail)
			return OutcomeTransient, "", n, lastDetail, nil
		}
		e.writeAudit(ctx, passID, act, OutcomeTransient, n, lastDetail)
		if err := e.sleep(ctx, drive.RetryPolicy{MaxAttempts: e.cfg.MaxAttempts, BaseDelay: e.cfg.BaseDelay}.Backoff(n)); err != nil {
			return OutcomeTransient, "", n, lastDetail, ErrPassCancelled
		}
	}
	return OutcomeTransient, "", e.cfg.MaxAttempts, lastDetail, nil
}

func (e *Executor) upsertFailedGrant(ctx context.Context, existing PermissionRecord, found bool, act Action, status RecordStatus, attempts int, now time.Time) {
	rec := PermissionRecord{
		ID:         ids.New(),
		ProfileID:  act.ProfileID,
		Principal:  act.Principal,
		ResourceID: act.ResourceID,
		Level:      act.Level,
		Status:     status,
		Via:        act.Via,
		Attempts:   attempts,
		UpdatedAt:  now,
	}
	if status == RecordPendingRetry {
		rec.NextAttemptAt = now.Add(drive.RetryPolicy{MaxAttempts: e.cfg.MaxAttempts, BaseDelay: e.cfg.BaseDelay}.Backoff(attempts + 1))
	}
	var err error
	if found {
		rec.ID = existing.ID
		rec.ExternalID = existing.ExternalID
		rec.Attempts = existing.Attempts + attempts
		err = e.records.Update(ctx, rec)
	} else {
		err = e.records.Create(ctx, rec)
	}
	if err != nil {
		logPassEvent("recon.record_write_failed", map[string]any{"error": err.Error(), "record": rec.ID})
	}
}

func (e *Executor) markRevoked(ctx context.Context, rec PermissionRecord) {
	now := e.now()
	rec.Status = RecordRevoked
	rec.RevokedAt = now
	rec.UpdatedAt = now
	if err := e.records.Update(ctx, rec); err != nil {
		logPassEvent("recon.record_write_failed", map[string]any{"error": err.Error(), "record": rec.ID})
	}
}

func (e *Executor) writeAudit(ctx context.Context, passID string, act Action, outcome Outcome, attempt int, detail string) {
	entry := AuditEntry{
		ID:         ids.New(),
		PassID:     passID,
		ProfileID:  act.ProfileID,
		Principal:  act.Principal,
		ResourceID: act.ResourceID,
		Action:     act.Kind,
		Level:      act.Level,
		Outcome:    outcome,
		Attempt:    attempt,
		Detail:     detail,
		CreatedAt:  e.now(),
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		logPassEvent("recon.audit_write_failed", map[string]any{"error": err.Error()})
	}
	logPassEvent("recon.action", map[string]any{
		"pass_id":   passID,
		"principal": act.Principal,
		"resource":  act.ResourceID,
		"action":    string(act.Kind),
		"outcome":   string(outcome),
		"attempt":   attempt,
		"detail":    detail,
	})
}

func logPassEvent(event string, fields map[string]any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "recon",
		"event": event,
	}
	for k, v := range fields {
		entry[k] = v
	}
	obs.LogEvent(entry)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
