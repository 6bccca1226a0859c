// Package recon converges the grants a member should hold with the grants
// the external service actually has recorded: diffing, rate-limited
// execution with retries, and an append-only audit trail.
package recon

import (
	"errors"
	"time"

	"membersync.org/internal/drive"
)

// ActionKind distinguishes convergence actions.
type ActionKind string

const (
	ActionGrant  ActionKind = "GRANT"
	ActionRevoke ActionKind = "REVOKE"
)

// Outcome classifies one applied action.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeTransient Outcome = "TRANSIENT_FAILURE"
	OutcomePermanent Outcome = "PERMANENT_FAILURE"
)

// RecordStatus is the lifecycle state of a PermissionRecord.
type RecordStatus string

const (
	RecordGranted      RecordStatus = "GRANTED"
	RecordRevoked      RecordStatus = "REVOKED"
	RecordFailed       RecordStatus = "FAILED"
	RecordPendingRetry RecordStatus = "PENDING_RETRY"
)

// Provenance records which kind of rule produced a grant.
type Provenance string

const (
	ViaRole           Provenance = "ROLE"
	ViaTeam           Provenance = "TEAM"
	ViaReconciliation Provenance = "RECONCILIATION"
)

// PermissionRecord is this system's last-known record of an external
// permission. It is the only place the external permission id is retained;
// revokes resolve the id from here first and fall back to listing.
type PermissionRecord struct {
	ID         string       `json:"id"`
	ProfileID  string       `json:"profile_id"`
	Principal  string       `json:"principal"`
	ResourceID string       `json:"resource_id"`
	Level      drive.Level  `json:"level"`
	ExternalID string       `json:"external_id"`
	Status     RecordStatus `json:"status"`
	Via        Provenance   `json:"via"`

	// Explicit retry state so any scheduler can drive retries.
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`

	GrantedAt time.Time `json:"granted_at,omitzero"`
	RevokedAt time.Time `json:"revoked_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEntry is an immutable record of one attempted action.
type AuditEntry struct {
	ID         string      `json:"id"`
	PassID     string      `json:"pass_id"`
	ProfileID  string      `json:"profile_id"`
	Principal  string      `json:"principal"`
	ResourceID string      `json:"resource_id"`
	Action     ActionKind  `json:"action"`
	Level      drive.Level `json:"level,omitempty"`
	Outcome    Outcome     `json:"outcome"`
	Attempt    int         `json:"attempt"`
	Detail     string      `json:"detail,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Action is one unit of convergence work produced by the diff.
type Action struct {
	Kind       ActionKind
	ProfileID  string
	Principal  string
	ResourceID string
	Level      drive.Level
	// ExternalID targets a specific permission on revoke. Empty means the
	// record was lost and the id was resolved (or not) from the listing.
	ExternalID string
	Via        Provenance
}

// Plan is the output of diffing one resource.
type Plan struct {
	Grants    []Action
	Revokes   []Action
	Unchanged int
}

// Empty reports whether the plan requires no work.
func (p Plan) Empty() bool {
	return len(p.Grants) == 0 && len(p.Revokes) == 0
}

// Mode distinguishes pass entry points.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeTargeted Mode = "targeted"
)

// Summary is the pass-level result. Always produced, even when individual
// actions failed.
type Summary struct {
	PassID       string    `json:"pass_id"`
	Mode         Mode      `json:"mode"`
	RulesVersion string    `json:"rules_version"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`

	Granted   int `json:"granted"`
	Revoked   int `json:"revoked"`
	Unchanged int `json:"unchanged"`
	// Transient counts actions cut short by cancellation before reaching
	// a final outcome. Exhausted retries count as Permanent.
	Transient int `json:"transient"`
	Permanent int `json:"permanent"`
	// Integrity counts units skipped for manual review (malformed data).
	Integrity int `json:"integrity"`
	// FetchErrors counts resources skipped because listing failed.
	FetchErrors int `json:"fetch_errors"`
}

func (s *Summary) record(kind ActionKind, outcome Outcome) {
	switch outcome {
	case OutcomeSuccess:
		if kind == ActionGrant {
			s.Granted++
		} else {
			s.Revoked++
		}
	case OutcomeTransient:
		s.Transient++
	case OutcomePermanent:
		s.Permanent++
	}
}

var (
	// ErrPassCancelled reports a pass interrupted by shutdown. Applied
	// actions stay committed; the next pass recomputes the diff.
	ErrPassCancelled = errors.New("recon: pass cancelled")

	// ErrAlreadyRunning reports a second concurrent full pass.
	ErrAlreadyRunning = errors.New("recon: full pass already running")
)
