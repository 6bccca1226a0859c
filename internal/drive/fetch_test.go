package drive

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFetchAllPagination(t *testing.T) {
	f := NewFake(2)
	for i := 0; i < 5; i++ {
		f.Seed("res-1", fmt.Sprintf("m%d@example.org", i), LevelReader)
	}

	grants, err := FetchAll(context.Background(), f, "res-1", DefaultRetry)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 5 {
		t.Fatalf("expected 5 grants, got %d", len(grants))
	}
	if f.ListCalls != 3 {
		t.Fatalf("expected 3 pages, got %d list calls", f.ListCalls)
	}
}

func TestFetchAllRetriesTransient(t *testing.T) {
	f := NewFake(10)
	f.Seed("res-1", "a@example.org", LevelWriter)
	f.FailList("res-1", Transient(errors.New("rate limited")))

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	grants, err := FetchAll(context.Background(), f, "res-1", policy)
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 {
		t.Fatalf("expected 1 grant after retry, got %d", len(grants))
	}
	if f.ListCalls != 2 {
		t.Fatalf("expected 2 list calls, got %d", f.ListCalls)
	}
}

func TestFetchAllSurfacesExhaustedRetries(t *testing.T) {
	f := NewFake(10)
	boom := Transient(errors.New("still rate limited"))
	f.FailList("res-1", boom, boom, boom)

	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	if _, err := FetchAll(context.Background(), f, "res-1", policy); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if f.ListCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.ListCalls)
	}
}

func TestFetchAllStopsOnPermanent(t *testing.T) {
	f := NewFake(10)
	f.FailList("res-1", Permanent(errors.New("no such resource")))

	if _, err := FetchAll(context.Background(), f, "res-1", DefaultRetry); err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if f.ListCalls != 1 {
		t.Fatalf("permanent error must not be retried, got %d calls", f.ListCalls)
	}
}

func TestLevelOrdering(t *testing.T) {
	if !LevelWriter.Covers(LevelReader) {
		t.Fatal("writer should cover reader")
	}
	if LevelCommenter.Covers(LevelOrganizer) {
		t.Fatal("commenter should not cover organizer")
	}
	if MaxLevel(LevelReader, LevelWriter) != LevelWriter {
		t.Fatal("max of reader/writer should be writer")
	}
	if !LevelOrganizer.Covers(LevelFileOrganizer) {
		t.Fatal("organizer should cover fileOrganizer")
	}
}

func TestBackoffDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Fatalf("Backoff(%d)=%s, want %s", i+1, got, w)
		}
	}
}
