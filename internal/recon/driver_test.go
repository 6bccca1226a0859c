package recon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"membersync.org/internal/drive"
	"membersync.org/internal/entitlement"
	"membersync.org/internal/membership"
)

func newTestDriver(t *testing.T, fake *drive.Fake, snap *entitlement.Snapshot, dir *membership.InMemoryDirectory) (*Driver, *InMemoryRecords, *InMemoryAudit) {
	t.Helper()
	records := NewInMemoryRecords()
	audit := NewInMemoryAudit()
	exec := NewExecutor(fake, records, audit, ExecutorConfig{
		Window:      10 * time.Millisecond,
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		CallTimeout: time.Second,
	})
	exec.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	d := NewDriver(dir,
		func() (*entitlement.Snapshot, error) { return snap, nil },
		fake, exec, records,
		DriverConfig{Workers: 2, Fetch: drive.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}})
	return d, records, audit
}

func mustSnapshot(t *testing.T, rules ...entitlement.Rule) *entitlement.Snapshot {
	t.Helper()
	snap, err := entitlement.NewSnapshot("v1", rules)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func activeMember(profileID, email string, role membership.Role, teams ...string) membership.Facts {
	now := time.Now()
	f := membership.Facts{
		ProfileID: profileID,
		Email:     email,
		Assignments: []membership.RoleAssignment{{
			ProfileID: profileID,
			Role:      role,
			StartDate: now.AddDate(-1, 0, 0),
			EndDate:   now.AddDate(1, 0, 0),
			Active:    true,
		}},
	}
	for _, team := range teams {
		f.Teams = append(f.Teams, membership.TeamMembership{ProfileID: profileID, TeamID: team, Active: true})
	}
	return f
}

func expiredMember(profileID, email string, role membership.Role) membership.Facts {
	now := time.Now()
	return membership.Facts{
		ProfileID: profileID,
		Email:     email,
		Assignments: []membership.RoleAssignment{{
			ProfileID: profileID,
			Role:      role,
			StartDate: now.AddDate(-2, 0, 0),
			EndDate:   now.AddDate(0, 0, -30),
			Active:    false,
		}},
	}
}

func TestFullPassConvergesAndIsIdempotent(t *testing.T) {
	fake := drive.NewFake(2)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, _, _ := newTestDriver(t, fake, snap, dir)

	summary, err := d.FullPass(context.Background())
	if err != nil {
		t.Fatalf("FullPass: %v", err)
	}
	if summary.Granted != 1 || summary.Revoked != 0 || summary.Permanent != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Mode != ModeFull || summary.RulesVersion != "v1" || summary.PassID == "" {
		t.Fatalf("summary metadata = %+v", summary)
	}
	grants := fake.Grants("res-docs")
	if len(grants) != 1 || grants[0].Principal != "ana@example.org" || grants[0].Level != drive.LevelWriter {
		t.Fatalf("provider grants = %+v", grants)
	}

	// Converged state: a second pass changes nothing.
	again, err := d.FullPass(context.Background())
	if err != nil {
		t.Fatalf("second FullPass: %v", err)
	}
	if again.Granted != 0 || again.Unchanged != 1 {
		t.Fatalf("second summary = %+v", again)
	}
	if fake.GrantCalls != 1 {
		t.Fatalf("GrantCalls = %d, want 1", fake.GrantCalls)
	}
}

func TestFullPassHighestLevelWins(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador, "team-infra"))
	snap := mustSnapshot(t,
		entitlement.Rule{Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader},
		entitlement.Rule{Team: "team-infra", Resource: "res-docs", Level: drive.LevelWriter},
	)
	d, _, _ := newTestDriver(t, fake, snap, dir)

	if _, err := d.FullPass(context.Background()); err != nil {
		t.Fatalf("FullPass: %v", err)
	}
	grants := fake.Grants("res-docs")
	if len(grants) != 1 || grants[0].Level != drive.LevelWriter {
		t.Fatalf("grants = %+v, want single writer grant", grants)
	}
}

func TestFullPassRevokesExpiredMember(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(expiredMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	permID := fake.Seed("res-docs", "ana@example.org", drive.LevelWriter)
	strangerPerm := fake.Seed("res-docs", "ceo@example.org", drive.LevelOrganizer)
	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r1", ProfileID: "p-ana", Principal: "ana@example.org",
		ResourceID: "res-docs", Level: drive.LevelWriter,
		ExternalID: permID, Status: RecordGranted, Via: ViaRole, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := d.FullPass(context.Background())
	if err != nil {
		t.Fatalf("FullPass: %v", err)
	}
	if summary.Revoked != 1 || summary.Granted != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	grants := fake.Grants("res-docs")
	if len(grants) != 1 || grants[0].PermissionID != strangerPerm {
		t.Fatalf("grants = %+v, want only the unmanaged grant left", grants)
	}
	if _, found, _ := records.FindActive(context.Background(), "ana@example.org", "res-docs"); found {
		t.Fatal("record still active after revoke")
	}
}

func TestFullPassCleansResourceDroppedFromRules(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	// No rule references res-old anymore, but a managed grant lingers there.
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	permID := fake.Seed("res-old", "ana@example.org", drive.LevelReader)
	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r1", ProfileID: "p-ana", Principal: "ana@example.org",
		ResourceID: "res-old", Level: drive.LevelReader,
		ExternalID: permID, Status: RecordGranted, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := d.FullPass(context.Background())
	if err != nil {
		t.Fatalf("FullPass: %v", err)
	}
	if summary.Granted != 1 || summary.Revoked != 1 {
		t.Fatalf("summary = %+v, want grant on res-docs and revoke on res-old", summary)
	}
	if got := fake.Grants("res-old"); len(got) != 0 {
		t.Fatalf("res-old grants = %+v, want none", got)
	}
}

func TestFullPassFetchFailureSkipsResource(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(expiredMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	permID := fake.Seed("res-docs", "ana@example.org", drive.LevelReader)
	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r1", ProfileID: "p-ana", Principal: "ana@example.org",
		ResourceID: "res-docs", Level: drive.LevelReader,
		ExternalID: permID, Status: RecordGranted, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	fake.FailList("res-docs", drive.Permanent(errors.New("listing broken")))

	summary, err := d.FullPass(context.Background())
	if err != nil {
		t.Fatalf("FullPass: %v", err)
	}
	if summary.FetchErrors != 1 || summary.Revoked != 0 {
		t.Fatalf("summary = %+v, want skipped resource, no blind revoke", summary)
	}
	if got := fake.Grants("res-docs"); len(got) != 1 {
		t.Fatalf("grants = %+v, want untouched", got)
	}
}

func TestFullPassRejectsConcurrentRun(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, _, _ := newTestDriver(t, fake, snap, dir)

	d.fullRunning.Store(true)
	if _, err := d.FullPass(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	d.fullRunning.Store(false)
	if _, err := d.FullPass(context.Background()); err != nil {
		t.Fatalf("FullPass after release: %v", err)
	}
}

func TestTargetedPassOnlyTouchesOneMember(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	dir.PutFacts(expiredMember("p-bob", "bob@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	// Bob still holds a managed grant he should lose, but this pass is
	// about ana only.
	bobPerm := fake.Seed("res-docs", "bob@example.org", drive.LevelWriter)
	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r-bob", ProfileID: "p-bob", Principal: "bob@example.org",
		ResourceID: "res-docs", Level: drive.LevelWriter,
		ExternalID: bobPerm, Status: RecordGranted, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := d.TargetedPass(context.Background(), "p-ana")
	if err != nil {
		t.Fatalf("TargetedPass: %v", err)
	}
	if summary.Mode != ModeTargeted || summary.Granted != 1 || summary.Revoked != 0 {
		t.Fatalf("summary = %+v", summary)
	}

	var bobStillThere bool
	for _, g := range fake.Grants("res-docs") {
		if g.PermissionID == bobPerm {
			bobStillThere = true
		}
	}
	if !bobStillThere {
		t.Fatal("targeted pass for ana touched bob's grant")
	}
}

func TestTargetedPassRevokesWhenNoLongerEntitled(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(expiredMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	permID := fake.Seed("res-docs", "ana@example.org", drive.LevelWriter)
	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r1", ProfileID: "p-ana", Principal: "ana@example.org",
		ResourceID: "res-docs", Level: drive.LevelWriter,
		ExternalID: permID, Status: RecordGranted, UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := d.TargetedPass(context.Background(), "p-ana")
	if err != nil {
		t.Fatalf("TargetedPass: %v", err)
	}
	if summary.Revoked != 1 {
		t.Fatalf("summary = %+v, want one revoke", summary)
	}
	if got := fake.Grants("res-docs"); len(got) != 0 {
		t.Fatalf("grants = %+v, want none", got)
	}
}

func TestTargetedPassesRunConcurrently(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	dir.PutFacts(activeMember("p-bob", "bob@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, _, _ := newTestDriver(t, fake, snap, dir)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for _, profileID := range []string{"p-ana", "p-bob"} {
		profileID := profileID
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := d.TargetedPass(context.Background(), profileID); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent targeted pass: %v", err)
	}

	grants := fake.Grants("res-docs")
	if len(grants) != 2 {
		t.Fatalf("provider grants = %+v, want one per member", grants)
	}
}

func TestCancelledPassCountsInterruptedAction(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelWriter,
	})
	d, _, _ := newTestDriver(t, fake, snap, dir)

	boom := drive.Transient(errors.New("timeout"))
	fake.FailGrant("res-docs", "ana@example.org", boom, boom)

	// Shutdown arrives while the grant is waiting to retry.
	ctx, cancel := context.WithCancel(context.Background())
	d.exec.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	summary, err := d.FullPass(ctx)
	if !errors.Is(err, ErrPassCancelled) {
		t.Fatalf("err = %v, want ErrPassCancelled", err)
	}
	if summary.Transient != 1 || summary.Granted != 0 {
		t.Fatalf("summary = %+v, want one action cut short", summary)
	}
}

func TestRetryBacklogReconcilesDueRecords(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	if err := records.Create(context.Background(), PermissionRecord{
		ID: "r1", ProfileID: "p-ana", Principal: "ana@example.org",
		ResourceID: "res-docs", Level: drive.LevelReader,
		Status: RecordPendingRetry, Attempts: 2,
		NextAttemptAt: time.Now().Add(-time.Minute), UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	summaries, err := d.RetryBacklog(context.Background())
	if err != nil {
		t.Fatalf("RetryBacklog: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Granted != 1 {
		t.Fatalf("summaries = %+v", summaries)
	}

	rec, found, _ := records.FindActive(context.Background(), "ana@example.org", "res-docs")
	if !found || rec.Status != RecordGranted {
		t.Fatalf("record = %+v, want GRANTED after retry", rec)
	}
	due, _ := records.DueForRetry(context.Background(), time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("DueForRetry = %+v, want drained", due)
	}
}

func TestExpirySweepReconcilesLingeringGrants(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(expiredMember("p-ana", "ana@example.org", membership.RoleColaborador))
	dir.PutFacts(activeMember("p-bob", "bob@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	anaPerm := fake.Seed("res-docs", "ana@example.org", drive.LevelReader)
	bobPerm := fake.Seed("res-docs", "bob@example.org", drive.LevelReader)
	for _, rec := range []PermissionRecord{
		{ID: "r-ana", ProfileID: "p-ana", Principal: "ana@example.org",
			ResourceID: "res-docs", Level: drive.LevelReader, ExternalID: anaPerm,
			Status: RecordGranted, UpdatedAt: time.Now()},
		{ID: "r-bob", ProfileID: "p-bob", Principal: "bob@example.org",
			ResourceID: "res-docs", Level: drive.LevelReader, ExternalID: bobPerm,
			Status: RecordGranted, UpdatedAt: time.Now()},
	} {
		if err := records.Create(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	swept, err := d.ExpirySweep(context.Background())
	if err != nil {
		t.Fatalf("ExpirySweep: %v", err)
	}
	if len(swept) != 1 || swept[0] != "p-ana" {
		t.Fatalf("swept = %v, want only the expired member", swept)
	}

	grants := fake.Grants("res-docs")
	if len(grants) != 1 || grants[0].PermissionID != bobPerm {
		t.Fatalf("grants = %+v, want bob's kept", grants)
	}
}

func TestDispatcherTriggersTargetedPass(t *testing.T) {
	fake := drive.NewFake(0)
	dir := membership.NewInMemoryDirectory()
	dir.PutFacts(activeMember("p-ana", "ana@example.org", membership.RoleColaborador))
	snap := mustSnapshot(t, entitlement.Rule{
		Role: membership.RoleColaborador, Resource: "res-docs", Level: drive.LevelReader,
	})
	d, records, _ := newTestDriver(t, fake, snap, dir)

	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, dispatcher, d)
	}()

	// Give the consumer a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		dispatcher.Publish(Event{Kind: EventStatusChanged, ProfileID: "p-ana"})
		if _, found, _ := records.FindActive(context.Background(), "ana@example.org", "res-docs"); found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("targeted pass never ran for published event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on context cancel")
	}
}
