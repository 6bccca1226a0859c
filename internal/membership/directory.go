package membership

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a profile is unknown to the directory.
var ErrNotFound = errors.New("membership: profile not found")

// Directory is the read-only boundary to the membership collaborator. All
// tables behind it are owned elsewhere; this subsystem never writes them.
type Directory interface {
	ListProfiles(ctx context.Context) ([]string, error)
	ProfileFacts(ctx context.Context, profileID string) (Facts, error)
	DocumentRequirements(ctx context.Context) ([]DocumentRequirement, error)
}

// InMemoryDirectory implements Directory with in-process state. Used by
// tests and as a stand-in while the collaborator integration is wired.
type InMemoryDirectory struct {
	mu           sync.RWMutex
	facts        map[string]Facts
	requirements []DocumentRequirement
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{facts: make(map[string]Facts)}
}

// PutFacts stores or replaces the facts for a profile.
func (d *InMemoryDirectory) PutFacts(f Facts) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.facts[f.ProfileID] = f
}

// SetRequirements replaces the document requirement set.
func (d *InMemoryDirectory) SetRequirements(reqs []DocumentRequirement) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requirements = append([]DocumentRequirement(nil), reqs...)
}

func (d *InMemoryDirectory) ListProfiles(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.facts))
	for id := range d.facts {
		out = append(out, id)
	}
	return out, nil
}

func (d *InMemoryDirectory) ProfileFacts(ctx context.Context, profileID string) (Facts, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.facts[profileID]
	if !ok {
		return Facts{}, ErrNotFound
	}
	return f, nil
}

func (d *InMemoryDirectory) DocumentRequirements(ctx context.Context) ([]DocumentRequirement, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]DocumentRequirement(nil), d.requirements...), nil
}
