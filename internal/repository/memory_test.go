package repository

import (
	"context"
	"testing"
	"time"

	"github.com/packwright/packwright/internal/build"
)

func seed(t *testing.T, store *MemoryStore, id string) *build.Record {
	t.Helper()
	rec := &build.Record{
		ID:        id,
		UserID:    "u1",
		Platform:  build.PlatformAndroid,
		AppName:   "Demo",
		Status:    build.StatusPending,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestTerminalStatusAbsorbs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 7)
	seed(t, store, "b1")

	transitioned, err := store.MarkCompleted(ctx, "b1", "builds/b1/app.apk", "https://d/1")
	if err != nil || !transitioned {
		t.Fatalf("first completion: %v %v", transitioned, err)
	}

	// Late failure and duplicate completion both bounce off.
	if transitioned, _ := store.MarkFailed(ctx, "b1", "late"); transitioned {
		t.Fatal("failure overwrote a completed build")
	}
	if transitioned, _ := store.MarkCompleted(ctx, "b1", "other", "u"); transitioned {
		t.Fatal("duplicate completion reported a transition")
	}
	if err := store.MarkProcessing(ctx, "b1"); err != nil {
		t.Fatal(err)
	}

	rec, _ := store.Get(ctx, "b1")
	if rec.Status != build.StatusCompleted || *rec.OutputFilePath != "builds/b1/app.apk" {
		t.Fatalf("record %+v", rec)
	}
}

func TestProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 7)
	seed(t, store, "b1")

	if err := store.SetProgress(ctx, "b1", build.ProgressUploaded); err != nil {
		t.Fatal(err)
	}
	if err := store.SetProgress(ctx, "b1", build.ProgressStarted); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Get(ctx, "b1")
	if rec.Progress != build.ProgressUploaded {
		t.Fatalf("progress regressed to %d", rec.Progress)
	}
}

func TestClaimSync(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 7)
	seed(t, store, "b1")

	now := time.Now().UTC()
	stale := now.Add(-5 * time.Minute)

	claimed, err := store.ClaimSync(ctx, "b1", now, stale)
	if err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	// A live claim blocks other instances.
	if claimed, _ := store.ClaimSync(ctx, "b1", now, stale); claimed {
		t.Fatal("second claim succeeded while the first is live")
	}
	// A stale claim can be taken over.
	later := now.Add(10 * time.Minute)
	if claimed, _ := store.ClaimSync(ctx, "b1", later, later.Add(-5*time.Minute)); !claimed {
		t.Fatal("stale claim was not re-opened")
	}

	if err := store.ReleaseSync(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if claimed, _ := store.ClaimSync(ctx, "b1", later, later.Add(-5*time.Minute)); !claimed {
		t.Fatal("claim after release failed")
	}
}

func TestListStuckCI(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 7)

	run := int64(99)
	final := "builds/done/app.apk"
	mk := func(id string, mutate func(*build.Record)) {
		rec := &build.Record{
			ID:          id,
			UserID:      "u1",
			Platform:    build.PlatformAndroidAPK,
			AppName:     "Demo",
			Status:      build.StatusProcessing,
			Progress:    build.ProgressDispatched,
			GitHubRunID: &run,
			ExpiresAt:   time.Now().Add(24 * time.Hour),
		}
		mutate(rec)
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	mk("stuck", func(r *build.Record) {})
	mk("local", func(r *build.Record) { r.Platform = build.PlatformAndroid })
	mk("no-run", func(r *build.Record) { r.GitHubRunID = nil })
	mk("done", func(r *build.Record) { r.OutputFilePath = &final })

	got, err := store.ListStuckCI(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "stuck" {
		t.Fatalf("stuck list %v", got)
	}
}

func TestListExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(10, 7)

	out := "builds/old/app.apk"
	old := &build.Record{
		ID: "old", UserID: "u1", Platform: build.PlatformAndroid, AppName: "Demo",
		Status: build.StatusCompleted, OutputFilePath: &out,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	purged := &build.Record{
		ID: "purged", UserID: "u1", Platform: build.PlatformAndroid, AppName: "Demo",
		Status:    build.StatusCompleted,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	fresh := &build.Record{
		ID: "fresh", UserID: "u1", Platform: build.PlatformAndroid, AppName: "Demo",
		Status: build.StatusCompleted, OutputFilePath: &out,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, rec := range []*build.Record{old, purged, fresh} {
		if err := store.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListExpired(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("expired list %v", got)
	}
}
