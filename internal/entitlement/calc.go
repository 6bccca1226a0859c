package entitlement

import (
	"membersync.org/internal/drive"
	"membersync.org/internal/membership"
)

// Desired computes the entitlement set for one member: resource id to
// permission level. Access is all-or-nothing on ACTIVE; every other status
// yields an empty set. When role and team rules grant the same resource at
// different levels, the highest level wins.
//
// Pure: the snapshot is immutable and no I/O happens here.
func (s *Snapshot) Desired(status membership.Status, role membership.Role, teams []string) map[string]drive.Level {
	out := make(map[string]drive.Level)
	if status != membership.StatusActive {
		return out
	}
	merge := func(rules []Rule) {
		for _, r := range rules {
			if cur, ok := out[r.Resource]; ok {
				out[r.Resource] = drive.MaxLevel(cur, r.Level)
			} else {
				out[r.Resource] = r.Level
			}
		}
	}
	merge(s.byRole[role])
	for _, t := range teams {
		merge(s.byTeam[t])
	}
	return out
}
