package recon

import (
	"sort"
	"strings"

	"membersync.org/internal/drive"
)

// DesiredGrant is the level one principal should hold on a resource,
// together with how the entitlement arose.
type DesiredGrant struct {
	ProfileID string
	Level     drive.Level
	Via       Provenance
}

// DiffResource compares desired state against the fetched actual grants of
// one resource. desired is keyed by principal. records are this system's
// active PermissionRecords for the resource; they bound what may be
// revoked; grants for principals with no record are not ours to touch.
//
// A principal present at the wrong level is converged by revoking the
// existing permission and granting at the desired level; the provider
// boundary has no update-in-place call.
func DiffResource(resourceID string, desired map[string]DesiredGrant, actual []drive.Grant, records []PermissionRecord) Plan {
	var plan Plan

	actualByPrincipal := make(map[string][]drive.Grant)
	for _, g := range actual {
		p := strings.ToLower(g.Principal)
		actualByPrincipal[p] = append(actualByPrincipal[p], g)
	}
	recordByPrincipal := make(map[string]PermissionRecord)
	for _, r := range records {
		recordByPrincipal[strings.ToLower(r.Principal)] = r
	}

	for principal, want := range desired {
		key := strings.ToLower(principal)
		held := actualByPrincipal[key]
		if len(held) == 0 {
			plan.Grants = append(plan.Grants, Action{
				Kind:       ActionGrant,
				ProfileID:  want.ProfileID,
				Principal:  principal,
				ResourceID: resourceID,
				Level:      want.Level,
				Via:        want.Via,
			})
			continue
		}
		if covers(held, want.Level) {
			plan.Unchanged++
			continue
		}
		// Held at a lower level: drop the existing permissions, then
		// re-grant at the desired level.
		for _, g := range held {
			plan.Revokes = append(plan.Revokes, Action{
				Kind:       ActionRevoke,
				ProfileID:  want.ProfileID,
				Principal:  principal,
				ResourceID: resourceID,
				Level:      g.Level,
				ExternalID: g.PermissionID,
				Via:        want.Via,
			})
		}
		plan.Grants = append(plan.Grants, Action{
			Kind:       ActionGrant,
			ProfileID:  want.ProfileID,
			Principal:  principal,
			ResourceID: resourceID,
			Level:      want.Level,
			Via:        want.Via,
		})
	}

	// Actual grants for principals no longer desired. Only grants we track
	// through a PermissionRecord are ours to revoke.
	for key, held := range actualByPrincipal {
		if _, ok := desiredKey(desired, key); ok {
			continue
		}
		rec, managed := recordByPrincipal[key]
		if !managed {
			continue
		}
		for _, g := range held {
			extID := rec.ExternalID
			if !validExternalID(extID) {
				// Record lost its permission id; resolve from the listing.
				extID = g.PermissionID
			}
			plan.Revokes = append(plan.Revokes, Action{
				Kind:       ActionRevoke,
				ProfileID:  rec.ProfileID,
				Principal:  g.Principal,
				ResourceID: resourceID,
				Level:      g.Level,
				ExternalID: extID,
				Via:        rec.Via,
			})
		}
		delete(recordByPrincipal, key)
	}

	// Active records whose grant is gone from the listing and whose
	// principal is not desired: the external side already converged, but
	// the record must still be closed out. The executor treats a missing
	// external grant as success.
	for key, rec := range recordByPrincipal {
		if _, ok := desiredKey(desired, key); ok {
			continue
		}
		if len(actualByPrincipal[key]) > 0 {
			continue
		}
		extID := rec.ExternalID
		if !validExternalID(extID) {
			extID = ""
		}
		plan.Revokes = append(plan.Revokes, Action{
			Kind:       ActionRevoke,
			ProfileID:  rec.ProfileID,
			Principal:  rec.Principal,
			ResourceID: resourceID,
			Level:      rec.Level,
			ExternalID: extID,
			Via:        rec.Via,
		})
	}

	sortActions(plan.Grants)
	sortActions(plan.Revokes)
	return plan
}

func desiredKey(desired map[string]DesiredGrant, key string) (DesiredGrant, bool) {
	for principal, want := range desired {
		if strings.ToLower(principal) == key {
			return want, true
		}
	}
	return DesiredGrant{}, false
}

// covers reports whether any held grant already satisfies the desired
// level. Holding more than desired is converged, not drift.
func covers(held []drive.Grant, level drive.Level) bool {
	for _, g := range held {
		if g.Level.Covers(level) {
			return true
		}
	}
	return false
}

func validExternalID(id string) bool {
	if id == "" || len(id) > 255 {
		return false
	}
	return !strings.ContainsAny(id, " \t\n")
}

func sortActions(actions []Action) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Principal != actions[j].Principal {
			return actions[i].Principal < actions[j].Principal
		}
		return actions[i].ExternalID < actions[j].ExternalID
	})
}
