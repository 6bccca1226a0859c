// Package entitlement maps membership roles and teams to provider
// resources. Rules are loaded as an immutable snapshot so one
// reconciliation pass sees one consistent rule set even if the file is
// edited mid-pass.
package entitlement

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"membersync.org/internal/drive"
	"membersync.org/internal/membership"
)

// Rule declares that a role or a team grants access to one resource at one
// level. Exactly one of Role and Team must be set.
type Rule struct {
	Role     membership.Role `yaml:"role,omitempty"`
	Team     string          `yaml:"team,omitempty"`
	Resource string          `yaml:"resource"`
	Level    drive.Level     `yaml:"level"`
}

func (r Rule) validate() error {
	if (r.Role == "") == (r.Team == "") {
		return fmt.Errorf("rule for resource %q: exactly one of role or team required", r.Resource)
	}
	if r.Resource == "" {
		return fmt.Errorf("rule missing resource (role=%q team=%q)", r.Role, r.Team)
	}
	if !r.Level.Valid() {
		return fmt.Errorf("rule for resource %q: unknown level %q", r.Resource, r.Level)
	}
	return nil
}

// Snapshot is an immutable, versioned rule set.
type Snapshot struct {
	version string
	byRole  map[membership.Role][]Rule
	byTeam  map[string][]Rule
	all     []string // distinct resource ids, sorted
}

type rulesFile struct {
	Version string `yaml:"version"`
	Rules   []Rule `yaml:"rules"`
}

// NewSnapshot builds a snapshot from rules in memory.
func NewSnapshot(version string, rules []Rule) (*Snapshot, error) {
	s := &Snapshot{
		version: version,
		byRole:  make(map[membership.Role][]Rule),
		byTeam:  make(map[string][]Rule),
	}
	seen := make(map[string]struct{})
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if r.Role != "" {
			s.byRole[r.Role] = append(s.byRole[r.Role], r)
		} else {
			s.byTeam[r.Team] = append(s.byTeam[r.Team], r)
		}
		if _, ok := seen[r.Resource]; !ok {
			seen[r.Resource] = struct{}{}
			s.all = append(s.all, r.Resource)
		}
	}
	sort.Strings(s.all)
	return s, nil
}

// Load reads a snapshot from a YAML file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("rules file %s: version is required", path)
	}
	return NewSnapshot(f.Version, f.Rules)
}

// Version identifies the rule set a pass ran against.
func (s *Snapshot) Version() string { return s.version }

// Resources returns every resource any rule references.
func (s *Snapshot) Resources() []string {
	return append([]string(nil), s.all...)
}

// References reports whether any rule touches the resource. Resources with
// no rule are outside this system's ownership.
func (s *Snapshot) References(resourceID string) bool {
	i := sort.SearchStrings(s.all, resourceID)
	return i < len(s.all) && s.all[i] == resourceID
}

// ResourcesFor returns the resources reachable through a role and a set of
// teams, regardless of status. Targeted passes use it to bound their fetch.
func (s *Snapshot) ResourcesFor(role membership.Role, teams []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(rules []Rule) {
		for _, r := range rules {
			if _, ok := seen[r.Resource]; ok {
				continue
			}
			seen[r.Resource] = struct{}{}
			out = append(out, r.Resource)
		}
	}
	add(s.byRole[role])
	for _, t := range teams {
		add(s.byTeam[t])
	}
	sort.Strings(out)
	return out
}
