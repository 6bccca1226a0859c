package membership

import "time"

// Role is a statutory membership role.
type Role string

const (
	RoleColaborador Role = "COLABORADOR"
	RoleAsociado    Role = "ASOCIADO"
	RoleBoardMember Role = "BOARD_MEMBER"
)

// Status is the derived membership status. It is never stored as
// authoritative state; Evaluate recomputes it from source facts.
type Status string

const (
	StatusNone             Status = "NONE"
	StatusPending          Status = "PENDING"
	StatusRejected         Status = "REJECTED"
	StatusPendingDocuments Status = "APPROVED_PENDING_DOCUMENTS"
	StatusActive           Status = "ACTIVE"
	StatusRestricted       Status = "RESTRICTED"
	StatusExpired          Status = "EXPIRED"
	StatusRemoved          Status = "REMOVED"
)

// RoleAssignment is a time-bounded grant of a membership role. Assignments
// are never deleted; expiry or revocation flips Active.
type RoleAssignment struct {
	ProfileID string
	Role      Role
	StartDate time.Time
	EndDate   time.Time
	Active    bool
	// Removed marks an administrative removal by the board. Terminal.
	Removed bool
}

// Covers reports whether the assignment window includes t, ignoring the
// active flag. The expiry sweep and the evaluator both check dates directly.
func (a RoleAssignment) Covers(t time.Time) bool {
	day := t.Truncate(24 * time.Hour)
	return !day.Before(a.StartDate.Truncate(24*time.Hour)) &&
		!day.After(a.EndDate.Truncate(24*time.Hour))
}

// TeamMembership links a member to a working group.
type TeamMembership struct {
	ProfileID string
	TeamID    string
	Active    bool
}

// ConsentRecord is immutable proof that a member accepted a specific
// document version. Supersession flips Active on a new row; rows are never
// mutated or deleted.
type ConsentRecord struct {
	ProfileID    string
	DocumentType string
	VersionID    string
	ConsentedAt  time.Time
	Active       bool
}

// DocumentRequirement declares which document versions are mandatory for
// which roles. Owned by the documents collaborator; read-only here.
type DocumentRequirement struct {
	DocumentType      string
	RequiredForRoles  []Role
	CurrentVersionID  string
	RequiresReConsent bool
	ReConsentDeadline *time.Time
}

// RequiredFor reports whether the requirement applies to the given role.
func (r DocumentRequirement) RequiredFor(role Role) bool {
	for _, rr := range r.RequiredForRoles {
		if rr == role {
			return true
		}
	}
	return false
}

// ApplicationDecision is the review outcome of a membership application.
type ApplicationDecision string

const (
	DecisionPending  ApplicationDecision = "PENDING"
	DecisionApproved ApplicationDecision = "APPROVED"
	DecisionRejected ApplicationDecision = "REJECTED"
)

// Application is an intake application on record.
type Application struct {
	ProfileID   string
	Decision    ApplicationDecision
	SubmittedAt time.Time
}

// Facts bundles everything the evaluator and calculator consume for one
// profile. The membership collaborator owns all of it; this subsystem only
// reads.
type Facts struct {
	ProfileID   string
	Email       string
	Assignments []RoleAssignment
	Teams       []TeamMembership
	Consents    []ConsentRecord
	Application *Application
}

// ActiveTeamIDs returns the ids of the profile's active team memberships.
func (f Facts) ActiveTeamIDs() []string {
	var out []string
	for _, t := range f.Teams {
		if t.Active {
			out = append(out, t.TeamID)
		}
	}
	return out
}
