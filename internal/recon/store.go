package recon

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRecordNotFound is returned when a permission record does not exist.
var ErrRecordNotFound = errors.New("recon: permission record not found")

// RecordStore owns PermissionRecord state. Exclusively mutated by this
// subsystem.
type RecordStore interface {
	Create(ctx context.Context, rec PermissionRecord) error
	Update(ctx context.Context, rec PermissionRecord) error
	// FindActive returns the non-revoked record for principal+resource.
	FindActive(ctx context.Context, principal, resourceID string) (PermissionRecord, bool, error)
	// ActiveByResource lists non-revoked records for one resource.
	ActiveByResource(ctx context.Context, resourceID string) ([]PermissionRecord, error)
	// ActiveByProfile lists non-revoked records for one member.
	ActiveByProfile(ctx context.Context, profileID string) ([]PermissionRecord, error)
	// ListByProfile lists all records for one member, newest first.
	ListByProfile(ctx context.Context, profileID string) ([]PermissionRecord, error)
	// DueForRetry lists PENDING_RETRY records whose next-eligible time has
	// passed.
	DueForRetry(ctx context.Context, now time.Time) ([]PermissionRecord, error)
	// ActiveResources lists every resource holding at least one non-revoked
	// record. Full passes visit these even when the rules no longer
	// reference them, so stale grants still get cleaned up.
	ActiveResources(ctx context.Context) ([]string, error)
}

// AuditStore is the append-only action log.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	Recent(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	ProfileID  string
	ResourceID string
	Outcome    Outcome
	Limit      int
}

// InMemoryRecords implements RecordStore with in-process state.
type InMemoryRecords struct {
	mu   sync.RWMutex
	recs map[string]PermissionRecord // id -> record
}

// NewInMemoryRecords creates an empty record store.
func NewInMemoryRecords() *InMemoryRecords {
	return &InMemoryRecords{recs: make(map[string]PermissionRecord)}
}

func (s *InMemoryRecords) Create(ctx context.Context, rec PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	return nil
}

func (s *InMemoryRecords) Update(ctx context.Context, rec PermissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		return ErrRecordNotFound
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *InMemoryRecords) FindActive(ctx context.Context, principal, resourceID string) (PermissionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.recs {
		if r.Principal == principal && r.ResourceID == resourceID && r.Status != RecordRevoked {
			return r, true, nil
		}
	}
	return PermissionRecord{}, false, nil
}

func (s *InMemoryRecords) ActiveByResource(ctx context.Context, resourceID string) ([]PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionRecord
	for _, r := range s.recs {
		if r.ResourceID == resourceID && r.Status != RecordRevoked {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *InMemoryRecords) ActiveByProfile(ctx context.Context, profileID string) ([]PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionRecord
	for _, r := range s.recs {
		if r.ProfileID == profileID && r.Status != RecordRevoked {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *InMemoryRecords) ListByProfile(ctx context.Context, profileID string) ([]PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionRecord
	for _, r := range s.recs {
		if r.ProfileID == profileID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *InMemoryRecords) DueForRetry(ctx context.Context, now time.Time) ([]PermissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PermissionRecord
	for _, r := range s.recs {
		if r.Status == RecordPendingRetry && !r.NextAttemptAt.After(now) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *InMemoryRecords) ActiveResources(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for _, r := range s.recs {
		if r.Status != RecordRevoked {
			seen[r.ResourceID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func sortRecords(recs []PermissionRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

var _ RecordStore = (*InMemoryRecords)(nil)

// InMemoryAudit implements AuditStore with in-process state.
type InMemoryAudit struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewInMemoryAudit creates an empty audit store.
func NewInMemoryAudit() *InMemoryAudit {
	return &InMemoryAudit{}
}

func (s *InMemoryAudit) Append(ctx context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryAudit) Recent(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []AuditEntry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if filter.ProfileID != "" && e.ProfileID != filter.ProfileID {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns every entry in append order. Test helper.
func (s *InMemoryAudit) All() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditEntry(nil), s.entries...)
}

var _ AuditStore = (*InMemoryAudit)(nil)
