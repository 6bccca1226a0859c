package membership

import (
	"testing"
	"time"
)

var now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeAssignment(role Role) RoleAssignment {
	return RoleAssignment{
		ProfileID: "p1",
		Role:      role,
		StartDate: date(2025, 1, 1),
		EndDate:   date(2027, 1, 1),
		Active:    true,
	}
}

func statutes() []DocumentRequirement {
	return []DocumentRequirement{
		{
			DocumentType:     "STATUTES",
			RequiredForRoles: []Role{RoleAsociado, RoleBoardMember},
			CurrentVersionID: "statutes-v2",
		},
	}
}

func signed(version string) ConsentRecord {
	return ConsentRecord{
		ProfileID:    "p1",
		DocumentType: "STATUTES",
		VersionID:    version,
		ConsentedAt:  date(2025, 1, 2),
		Active:       true,
	}
}

func TestEvaluateNone(t *testing.T) {
	got := Evaluate(Facts{ProfileID: "p1"}, statutes(), now)
	if got != StatusNone {
		t.Fatalf("expected NONE, got %s", got)
	}
}

func TestEvaluatePendingAndRejected(t *testing.T) {
	app := &Application{ProfileID: "p1", Decision: DecisionPending}
	if got := Evaluate(Facts{ProfileID: "p1", Application: app}, nil, now); got != StatusPending {
		t.Fatalf("expected PENDING, got %s", got)
	}
	app.Decision = DecisionRejected
	if got := Evaluate(Facts{ProfileID: "p1", Application: app}, nil, now); got != StatusRejected {
		t.Fatalf("expected REJECTED, got %s", got)
	}
}

func TestEvaluatePendingDocuments(t *testing.T) {
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusPendingDocuments {
		t.Fatalf("expected APPROVED_PENDING_DOCUMENTS, got %s", got)
	}
}

func TestEvaluateActive(t *testing.T) {
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
}

func TestEvaluateRequirementForOtherRoleIgnored(t *testing.T) {
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleColaborador)},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusActive {
		t.Fatalf("expected ACTIVE for role outside required_for, got %s", got)
	}
}

func TestEvaluateExpiredByDateRegardlessOfFlag(t *testing.T) {
	a := activeAssignment(RoleAsociado)
	a.EndDate = date(2026, 7, 1)

	// Sweep has not run yet: flag still active.
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{a},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusExpired {
		t.Fatalf("expected EXPIRED with stale active flag, got %s", got)
	}

	// Sweep already flipped the flag.
	a.Active = false
	facts.Assignments = []RoleAssignment{a}
	if got := Evaluate(facts, statutes(), now); got != StatusExpired {
		t.Fatalf("expected EXPIRED after sweep, got %s", got)
	}
}

func TestEvaluateRestrictedOnMissedReConsent(t *testing.T) {
	deadline := date(2026, 7, 15)
	reqs := []DocumentRequirement{
		{
			DocumentType:      "STATUTES",
			RequiredForRoles:  []Role{RoleAsociado},
			CurrentVersionID:  "statutes-v3",
			RequiresReConsent: true,
			ReConsentDeadline: &deadline,
		},
	}
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	if got := Evaluate(facts, reqs, now); got != StatusRestricted {
		t.Fatalf("expected RESTRICTED, got %s", got)
	}

	// Signing the current version restores ACTIVE.
	facts.Consents = append(facts.Consents, signed("statutes-v3"))
	if got := Evaluate(facts, reqs, now); got != StatusActive {
		t.Fatalf("expected ACTIVE after re-consent, got %s", got)
	}
}

func TestEvaluateReConsentGracePeriod(t *testing.T) {
	deadline := date(2026, 9, 1)
	reqs := []DocumentRequirement{
		{
			DocumentType:      "STATUTES",
			RequiredForRoles:  []Role{RoleAsociado},
			CurrentVersionID:  "statutes-v3",
			RequiresReConsent: true,
			ReConsentDeadline: &deadline,
		},
	}
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	if got := Evaluate(facts, reqs, now); got != StatusActive {
		t.Fatalf("expected ACTIVE inside grace period, got %s", got)
	}
}

func TestEvaluatePendingReapplicationAfterExpiry(t *testing.T) {
	a := activeAssignment(RoleAsociado)
	a.EndDate = date(2026, 1, 1)
	a.Active = false

	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{a},
		Application: &Application{ProfileID: "p1", Decision: DecisionPending},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusPending {
		t.Fatalf("expected PENDING for re-application after expiry, got %s", got)
	}

	// Without the application the old assignment still reads EXPIRED.
	facts.Application = nil
	if got := Evaluate(facts, statutes(), now); got != StatusExpired {
		t.Fatalf("expected EXPIRED without a new application, got %s", got)
	}
}

func TestEvaluateRevokedConsentGetsNoGracePeriod(t *testing.T) {
	deadline := date(2026, 9, 1)
	reqs := []DocumentRequirement{
		{
			DocumentType:      "STATUTES",
			RequiredForRoles:  []Role{RoleAsociado},
			CurrentVersionID:  "statutes-v3",
			RequiresReConsent: true,
			ReConsentDeadline: &deadline,
		},
	}
	revoked := signed("statutes-v2")
	revoked.Active = false
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
		Consents:    []ConsentRecord{revoked},
	}
	if got := Evaluate(facts, reqs, now); got != StatusPendingDocuments {
		t.Fatalf("expected APPROVED_PENDING_DOCUMENTS for revoked consent, got %s", got)
	}
}

func TestEvaluateRemovedWins(t *testing.T) {
	a := activeAssignment(RoleAsociado)
	removed := a
	removed.Active = false
	removed.Removed = true
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{a, removed},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	if got := Evaluate(facts, statutes(), now); got != StatusRemoved {
		t.Fatalf("expected REMOVED, got %s", got)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	facts := Facts{
		ProfileID:   "p1",
		Assignments: []RoleAssignment{activeAssignment(RoleAsociado)},
		Consents:    []ConsentRecord{signed("statutes-v2")},
	}
	reqs := statutes()
	first := Evaluate(facts, reqs, now)
	for i := 0; i < 100; i++ {
		if got := Evaluate(facts, reqs, now); got != first {
			t.Fatalf("evaluate not deterministic: %s then %s", first, got)
		}
	}
}
