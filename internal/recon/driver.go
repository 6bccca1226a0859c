package recon

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"membersync.org/internal/drive"
	"membersync.org/internal/entitlement"
	"membersync.org/internal/ids"
	"membersync.org/internal/membership"
	"membersync.org/internal/obs"
)

// DriverConfig tunes pass execution.
type DriverConfig struct {
	// Workers bounds concurrent action execution. Actions for the same
	// principal never run concurrently regardless.
	Workers int
	// Fetch is the retry policy for listing grants.
	Fetch drive.RetryPolicy
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Fetch.MaxAttempts <= 0 {
		c.Fetch = drive.DefaultRetry
	}
	return c
}

// Driver orchestrates reconciliation passes: it evaluates membership,
// computes entitlements, diffs against the external service and hands the
// resulting actions to the executor.
type Driver struct {
	dir       membership.Directory
	loadRules func() (*entitlement.Snapshot, error)
	svc       drive.Service
	exec      *Executor
	records   RecordStore
	cfg       DriverConfig
	now       func() time.Time

	fullRunning atomic.Bool
	locks       principalLocks
}

// NewDriver wires a driver. loadRules is called at the start of every pass
// so rule edits take effect without a restart.
func NewDriver(dir membership.Directory, loadRules func() (*entitlement.Snapshot, error), svc drive.Service, exec *Executor, records RecordStore, cfg DriverConfig) *Driver {
	return &Driver{
		dir:       dir,
		loadRules: loadRules,
		svc:       svc,
		exec:      exec,
		records:   records,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// FullPass reconciles every resource the rules reference plus every
// resource still holding active records. At most one full pass runs at a
// time; a second caller gets ErrAlreadyRunning.
func (d *Driver) FullPass(ctx context.Context) (Summary, error) {
	if !d.fullRunning.CompareAndSwap(false, true) {
		return Summary{}, ErrAlreadyRunning
	}
	defer d.fullRunning.Store(false)

	snap, err := d.loadRules()
	if err != nil {
		return Summary{}, err
	}
	summary := d.newSummary(ModeFull, snap.Version())
	stop := obs.ObservePassStart(string(ModeFull))
	defer stop()

	requirements, err := d.dir.DocumentRequirements(ctx)
	if err != nil {
		return d.finish(summary), err
	}
	profiles, err := d.dir.ListProfiles(ctx)
	if err != nil {
		return d.finish(summary), err
	}

	now := d.now()
	desiredByResource := make(map[string]map[string]DesiredGrant)
	for _, profileID := range profiles {
		facts, err := d.dir.ProfileFacts(ctx, profileID)
		if err != nil {
			summary.Integrity++
			logPassEvent("recon.profile_skipped", map[string]any{
				"pass_id": summary.PassID, "profile_id": profileID, "error": err.Error(),
			})
			continue
		}
		wants, ok := d.desiredFor(snap, facts, requirements, now)
		if !ok {
			summary.Integrity++
			logPassEvent("recon.profile_skipped", map[string]any{
				"pass_id": summary.PassID, "profile_id": profileID, "error": "entitled but no usable principal",
			})
			continue
		}
		for resource, want := range wants {
			byPrincipal := desiredByResource[resource]
			if byPrincipal == nil {
				byPrincipal = make(map[string]DesiredGrant)
				desiredByResource[resource] = byPrincipal
			}
			byPrincipal[facts.Email] = want
		}
	}

	resources, err := d.fullResourceSet(ctx, snap)
	if err != nil {
		return d.finish(summary), err
	}

	var actions []Action
	for _, resourceID := range resources {
		plan, err := d.planResource(ctx, summary, resourceID, desiredByResource[resourceID], nil)
		if err != nil {
			return d.finish(summary), err
		}
		summary.Unchanged += plan.Unchanged
		actions = append(actions, plan.Revokes...)
		actions = append(actions, plan.Grants...)
	}

	err = d.execute(ctx, summary, actions)
	return d.finish(summary), err
}

// TargetedPass reconciles the resources relevant to one member: whatever
// the rules entitle them to plus whatever they still hold records for.
// Other principals' grants on those resources are left alone.
func (d *Driver) TargetedPass(ctx context.Context, profileID string) (Summary, error) {
	snap, err := d.loadRules()
	if err != nil {
		return Summary{}, err
	}
	summary := d.newSummary(ModeTargeted, snap.Version())
	stop := obs.ObservePassStart(string(ModeTargeted))
	defer stop()

	requirements, err := d.dir.DocumentRequirements(ctx)
	if err != nil {
		return d.finish(summary), err
	}
	facts, err := d.dir.ProfileFacts(ctx, profileID)
	if err != nil {
		return d.finish(summary), err
	}

	now := d.now()
	desired, ok := d.desiredFor(snap, facts, requirements, now)
	if !ok {
		summary.Integrity++
		return d.finish(summary), nil
	}

	activeRecs, err := d.records.ActiveByProfile(ctx, profileID)
	if err != nil {
		return d.finish(summary), err
	}

	resourceSet := make(map[string]bool, len(desired))
	for resource := range desired {
		resourceSet[resource] = true
	}
	for _, rec := range activeRecs {
		resourceSet[rec.ResourceID] = true
	}
	resources := make([]string, 0, len(resourceSet))
	for id := range resourceSet {
		resources = append(resources, id)
	}
	sort.Strings(resources)

	ownPrincipals := map[string]bool{}
	if facts.Email != "" {
		ownPrincipals[strings.ToLower(facts.Email)] = true
	}
	for _, rec := range activeRecs {
		ownPrincipals[strings.ToLower(rec.Principal)] = true
	}

	var actions []Action
	for _, resourceID := range resources {
		var desiredHere map[string]DesiredGrant
		if want, ok := desired[resourceID]; ok {
			desiredHere = map[string]DesiredGrant{facts.Email: want}
		}
		plan, err := d.planResource(ctx, summary, resourceID, desiredHere, func(g drive.Grant) bool {
			return ownPrincipals[strings.ToLower(g.Principal)]
		})
		if err != nil {
			return d.finish(summary), err
		}
		summary.Unchanged += plan.Unchanged
		actions = append(actions, plan.Revokes...)
		actions = append(actions, plan.Grants...)
	}

	err = d.execute(ctx, summary, actions)
	return d.finish(summary), err
}

// RetryBacklog runs a targeted pass for every member with a PENDING_RETRY
// record whose backoff has elapsed.
func (d *Driver) RetryBacklog(ctx context.Context) ([]Summary, error) {
	due, err := d.records.DueForRetry(ctx, d.now())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var summaries []Summary
	for _, rec := range due {
		if seen[rec.ProfileID] {
			continue
		}
		seen[rec.ProfileID] = true
		s, err := d.TargetedPass(ctx, rec.ProfileID)
		summaries = append(summaries, s)
		if err != nil {
			return summaries, err
		}
	}
	return summaries, nil
}

// ExpirySweep finds members who are no longer ACTIVE yet still hold active
// permission records, and reconciles each of them. Membership data is read
// only; the sweep never mutates assignments.
func (d *Driver) ExpirySweep(ctx context.Context) ([]string, error) {
	requirements, err := d.dir.DocumentRequirements(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := d.dir.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}

	now := d.now()
	var swept []string
	for _, profileID := range profiles {
		facts, err := d.dir.ProfileFacts(ctx, profileID)
		if err != nil {
			continue
		}
		if membership.Evaluate(facts, requirements, now) == membership.StatusActive {
			continue
		}
		recs, err := d.records.ActiveByProfile(ctx, profileID)
		if err != nil || len(recs) == 0 {
			continue
		}
		if _, err := d.TargetedPass(ctx, profileID); err != nil {
			return swept, err
		}
		swept = append(swept, profileID)
	}
	return swept, nil
}

// desiredFor computes the grants one member should hold, keyed by
// resource. ok is false when entitlements exist but the profile has no
// usable principal; that profile is skipped for manual review.
func (d *Driver) desiredFor(snap *entitlement.Snapshot, facts membership.Facts, requirements []membership.DocumentRequirement, now time.Time) (map[string]DesiredGrant, bool) {
	status := membership.Evaluate(facts, requirements, now)
	role, _ := membership.CurrentRole(facts, now)
	teams := facts.ActiveTeamIDs()
	levels := snap.Desired(status, role, teams)
	if len(levels) == 0 {
		return nil, true
	}
	if facts.Email == "" {
		return nil, false
	}

	roleResources := make(map[string]bool)
	for _, r := range snap.ResourcesFor(role, nil) {
		roleResources[r] = true
	}
	out := make(map[string]DesiredGrant, len(levels))
	for resource, level := range levels {
		via := ViaTeam
		if roleResources[resource] {
			via = ViaRole
		}
		out[resource] = DesiredGrant{ProfileID: facts.ProfileID, Level: level, Via: via}
	}
	return out, true
}

// planResource fetches actual grants, loads managed records and diffs.
// filter, when non-nil, restricts the fetched grants considered; targeted
// passes use it to confine the diff to one member's principals.
func (d *Driver) planResource(ctx context.Context, summary *Summary, resourceID string, desired map[string]DesiredGrant, filter func(drive.Grant) bool) (Plan, error) {
	actual, err := drive.FetchAll(ctx, d.svc, resourceID, d.cfg.Fetch)
	if err != nil {
		if ctx.Err() != nil {
			return Plan{}, ErrPassCancelled
		}
		// Listing failed: skip the resource rather than revoking blind.
		summary.FetchErrors++
		logPassEvent("recon.fetch_failed", map[string]any{
			"pass_id": summary.PassID, "resource": resourceID, "error": err.Error(),
		})
		return Plan{}, nil
	}
	if filter != nil {
		kept := actual[:0]
		for _, g := range actual {
			if filter(g) {
				kept = append(kept, g)
			}
		}
		actual = kept
	}
	records, err := d.records.ActiveByResource(ctx, resourceID)
	if err != nil {
		summary.FetchErrors++
		return Plan{}, nil
	}
	if filter != nil {
		kept := records[:0]
		for _, rec := range records {
			if filter(drive.Grant{Principal: rec.Principal}) {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	return DiffResource(resourceID, desired, actual, records), nil
}

// execute runs actions through the executor: grouped by principal, revokes
// before grants within a group, groups spread over a bounded worker pool.
func (d *Driver) execute(ctx context.Context, summary *Summary, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	lim := d.exec.Pace(len(actions))

	groups := make(map[string][]Action)
	var order []string
	for _, act := range actions {
		key := strings.ToLower(act.Principal)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], act)
	}
	sort.Strings(order)
	for _, key := range order {
		g := groups[key]
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].Kind == ActionRevoke && g[j].Kind != ActionRevoke
		})
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		failed  atomic.Bool
		queue   = make(chan string, len(order))
		workers = d.cfg.Workers
	)
	if workers > len(order) {
		workers = len(order)
	}
	for _, key := range order {
		queue <- key
	}
	close(queue)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range queue {
				if failed.Load() {
					return
				}
				lock := d.locks.get(key)
				lock.Lock()
				for _, act := range groups[key] {
					outcome, err := d.exec.Apply(ctx, summary.PassID, act, lim)
					mu.Lock()
					summary.record(act.Kind, outcome)
					mu.Unlock()
					if err != nil {
						failed.Store(true)
						break
					}
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed.Load() || ctx.Err() != nil {
		return ErrPassCancelled
	}
	return nil
}

func (d *Driver) fullResourceSet(ctx context.Context, snap *entitlement.Snapshot) ([]string, error) {
	set := make(map[string]bool)
	for _, id := range snap.Resources() {
		set[id] = true
	}
	tracked, err := d.records.ActiveResources(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range tracked {
		set[id] = true
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Driver) newSummary(mode Mode, rulesVersion string) *Summary {
	return &Summary{
		PassID:       ids.New(),
		Mode:         mode,
		RulesVersion: rulesVersion,
		StartedAt:    d.now(),
	}
}

// finish stamps the end time and emits the summary log line. A summary is
// produced even when the pass was cut short.
func (d *Driver) finish(s *Summary) Summary {
	s.FinishedAt = d.now()
	logPassEvent("recon.pass", map[string]any{
		"pass_id":       s.PassID,
		"mode":          string(s.Mode),
		"rules_version": s.RulesVersion,
		"granted":       s.Granted,
		"revoked":       s.Revoked,
		"unchanged":     s.Unchanged,
		"transient":     s.Transient,
		"permanent":     s.Permanent,
		"integrity":     s.Integrity,
		"fetch_errors":  s.FetchErrors,
		"duration_ms":   s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
	})
	return *s
}

// principalLocks serializes actions per principal across concurrent
// passes.
type principalLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *principalLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[string]*sync.Mutex)
	}
	lock, ok := l.m[key]
	if !ok {
		lock = &sync.Mutex{}
		l.m[key] = lock
	}
	return lock
}
