package membership

import "time"

// Evaluate derives the membership status from source facts. Pure: no I/O,
// no clock reads, deterministic for fixed inputs.
//
// Precedence when facts support several states: REMOVED wins over
// everything, then EXPIRED, then the consent-derived states. One exception:
// a pending re-application outranks an old expired assignment. A requirement
// that was never consented to yields APPROVED_PENDING_DOCUMENTS even when a
// different requirement is past its re-consent deadline, because full
// coverage was never achieved in the first place.
func Evaluate(facts Facts, requirements []DocumentRequirement, now time.Time) Status {
	for _, a := range facts.Assignments {
		if a.Removed {
			return StatusRemoved
		}
	}

	current, ok := currentAssignment(facts.Assignments, now)
	if !ok {
		// No assignment covering now. A pending application takes
		// precedence over an old expired assignment: a former member who
		// re-applied is PENDING, not EXPIRED.
		if facts.Application != nil && facts.Application.Decision == DecisionPending {
			return StatusPending
		}
		// An assignment whose end date has passed means the membership
		// expired, whether or not the sweep already flipped the active
		// flag.
		if hadExpired(facts.Assignments, now) {
			return StatusExpired
		}
		if facts.Application != nil && facts.Application.Decision == DecisionRejected {
			return StatusRejected
		}
		return StatusNone
	}

	// The active flag alone is not trusted for expiry: check the dates.
	if !current.Covers(now) {
		return StatusExpired
	}

	missing, overdue := consentGaps(current.Role, facts.Consents, requirements, now)
	if missing {
		return StatusPendingDocuments
	}
	if overdue {
		return StatusRestricted
	}
	return StatusActive
}

// CurrentRole returns the role of the assignment currently in effect, if
// any. Entitlement calculation keys off this together with the status.
func CurrentRole(facts Facts, now time.Time) (Role, bool) {
	current, ok := currentAssignment(facts.Assignments, now)
	if !ok {
		return "", false
	}
	return current.Role, true
}

// currentAssignment picks the single assignment treated as active: flagged
// active with a window covering now, latest start date winning if the data
// violates the one-active-assignment invariant.
func currentAssignment(assignments []RoleAssignment, now time.Time) (RoleAssignment, bool) {
	var best RoleAssignment
	found := false
	for _, a := range assignments {
		if !a.Active {
			continue
		}
		if a.StartDate.Truncate(24 * time.Hour).After(now.Truncate(24 * time.Hour)) {
			continue
		}
		if !found || a.StartDate.After(best.StartDate) {
			best = a
			found = true
		}
	}
	return best, found
}

func hadExpired(assignments []RoleAssignment, now time.Time) bool {
	day := now.Truncate(24 * time.Hour)
	for _, a := range assignments {
		if day.After(a.EndDate.Truncate(24 * time.Hour)) {
			return true
		}
	}
	return false
}

// consentGaps inspects consent coverage for the role. missing means no
// active consent covers a required current version and no active prior
// consent grants a grace period; overdue means an active consent to an
// earlier version exists but the current version requires re-consent and
// its deadline has passed without a new consent.
func consentGaps(role Role, consents []ConsentRecord, requirements []DocumentRequirement, now time.Time) (missing, overdue bool) {
	activeByVersion := make(map[string]bool)
	activeByType := make(map[string]bool)
	for _, c := range consents {
		if c.Active {
			activeByVersion[c.VersionID] = true
			activeByType[c.DocumentType] = true
		}
	}

	for _, req := range requirements {
		if !req.RequiredFor(role) || req.CurrentVersionID == "" {
			continue
		}
		if activeByVersion[req.CurrentVersionID] {
			continue
		}
		if req.RequiresReConsent && activeByType[req.DocumentType] {
			// An active consent to an earlier version keeps the member in
			// the grace period until the deadline passes. A revoked
			// consent does not: coverage is gone, not merely stale.
			if req.ReConsentDeadline != nil && now.After(*req.ReConsentDeadline) {
				overdue = true
			}
			continue
		}
		missing = true
	}
	return missing, overdue
}
