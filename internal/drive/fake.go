package drive

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Fake implements Service in memory. Tests use it to script provider
// behavior: page sizes, injected failures, call accounting.
type Fake struct {
	mu        sync.Mutex
	resources map[string]map[string]Grant // resourceID -> permissionID -> grant
	pageSize  int

	// Error scripts, consumed one entry per matching call.
	grantErrs  map[string][]error // key principal|resource
	revokeErrs map[string][]error // key permissionID
	listErrs   map[string][]error // key resourceID

	ListCalls   int
	GrantCalls  int
	RevokeCalls int
}

// NewFake creates an empty provider with the given listing page size.
func NewFake(pageSize int) *Fake {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Fake{
		resources:  make(map[string]map[string]Grant),
		pageSize:   pageSize,
		grantErrs:  make(map[string][]error),
		revokeErrs: make(map[string][]error),
		listErrs:   make(map[string][]error),
	}
}

// Seed installs a grant directly, bypassing call accounting. Returns the
// permission id.
func (f *Fake) Seed(resourceID, principal string, level Level) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	if f.resources[resourceID] == nil {
		f.resources[resourceID] = make(map[string]Grant)
	}
	f.resources[resourceID][id] = Grant{Principal: principal, Level: level, PermissionID: id}
	return id
}

// FailGrant scripts errors for upcoming Grant calls for principal on resource.
func (f *Fake) FailGrant(resourceID, principal string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := principal + "|" + resourceID
	f.grantErrs[key] = append(f.grantErrs[key], errs...)
}

// FailRevoke scripts errors for upcoming Revoke calls on a permission id.
func (f *Fake) FailRevoke(permissionID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeErrs[permissionID] = append(f.revokeErrs[permissionID], errs...)
}

// FailList scripts errors for upcoming ListGrants calls on a resource.
func (f *Fake) FailList(resourceID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErrs[resourceID] = append(f.listErrs[resourceID], errs...)
}

// Grants returns the grants currently held on a resource, sorted by principal.
func (f *Fake) Grants(resourceID string) []Grant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sortedLocked(resourceID)
}

func (f *Fake) sortedLocked(resourceID string) []Grant {
	out := make([]Grant, 0, len(f.resources[resourceID]))
	for _, g := range f.resources[resourceID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].PermissionID < out[j].PermissionID
	})
	return out
}

func (f *Fake) ListGrants(ctx context.Context, resourceID, pageToken string) ([]Grant, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListCalls++
	if err := popErr(f.listErrs, resourceID); err != nil {
		return nil, "", err
	}

	all := f.sortedLocked(resourceID)
	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(all) {
			return nil, "", Permanent(fmt.Errorf("bad page token %q", pageToken))
		}
		start = n
	}
	end := start + f.pageSize
	next := ""
	if end < len(all) {
		next = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return append([]Grant(nil), all[start:end]...), next, nil
}

func (f *Fake) Grant(ctx context.Context, resourceID, principal string, level Level) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GrantCalls++
	if err := popErr(f.grantErrs, principal+"|"+resourceID); err != nil {
		return "", err
	}
	if !level.Valid() {
		return "", Permanent(fmt.Errorf("unsupported level %q", level))
	}
	id := uuid.NewString()
	if f.resources[resourceID] == nil {
		f.resources[resourceID] = make(map[string]Grant)
	}
	f.resources[resourceID][id] = Grant{Principal: principal, Level: level, PermissionID: id}
	return id, nil
}

func (f *Fake) Revoke(ctx context.Context, resourceID, permissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RevokeCalls++
	if err := popErr(f.revokeErrs, permissionID); err != nil {
		return err
	}
	grants, ok := f.resources[resourceID]
	if !ok {
		return ErrGrantNotFound
	}
	if _, ok := grants[permissionID]; !ok {
		return ErrGrantNotFound
	}
	delete(grants, permissionID)
	return nil
}

func popErr(m map[string][]error, key string) error {
	queue := m[key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m[key] = queue[1:]
	return err
}

var _ Service = (*Fake)(nil)
