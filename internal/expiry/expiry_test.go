package expiry_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/expiry"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/repository"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: make(map[string][]byte)} }

func (f *fakeObjects) put(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte("data")
}

func (f *fakeObjects) DeletePrefix(_ context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			delete(f.objects, key)
		}
	}
	return nil
}

func (f *fakeObjects) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type fakeQueue struct {
	purges []queue.BuildPayload
}

func (f *fakeQueue) EnqueuePurge(_ context.Context, p queue.BuildPayload) error {
	f.purges = append(f.purges, p)
	return nil
}

func str(s string) *string { return &s }

func expiredRecord(id string) *build.Record {
	return &build.Record{
		ID:             id,
		UserID:         "u1",
		Platform:       build.PlatformAndroid,
		AppName:        "Demo",
		Status:         build.StatusCompleted,
		Progress:       build.ProgressDone,
		OutputFilePath: str("builds/" + id + "/demo-android.apk"),
		DownloadURL:    str("https://stale.example.com/old"),
		IconURL:        str("builds/" + id + "/icon.png"),
		ExpiresAt:      time.Now().Add(-time.Hour),
	}
}

func TestApplyLazy(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(10, 7)
	objects := newFakeObjects()
	tasks := &fakeQueue{}
	m := expiry.NewManager(store, objects, tasks, zerolog.Nop())

	expired := expiredRecord("old")
	fresh := expiredRecord("fresh")
	fresh.ExpiresAt = time.Now().Add(time.Hour)

	m.ApplyLazy(ctx, []*build.Record{expired, fresh})

	if expired.OutputFilePath != nil || expired.DownloadURL != nil || expired.IconURL != nil {
		t.Fatalf("expired record still exposes files: %+v", expired)
	}
	if fresh.OutputFilePath == nil || fresh.DownloadURL == nil {
		t.Fatal("fresh record was stripped")
	}
	if len(tasks.purges) != 1 || tasks.purges[0].BuildID != "old" {
		t.Fatalf("purges %v", tasks.purges)
	}
}

func TestApplyLazyAlreadyPurged(t *testing.T) {
	ctx := context.Background()
	tasks := &fakeQueue{}
	m := expiry.NewManager(repository.NewMemoryStore(10, 7), newFakeObjects(), tasks, zerolog.Nop())

	rec := expiredRecord("old")
	rec.OutputFilePath = nil
	rec.DownloadURL = nil
	rec.IconURL = nil
	m.ApplyLazy(ctx, []*build.Record{rec})
	if len(tasks.purges) != 0 {
		t.Fatalf("already-purged record queued %d purges", len(tasks.purges))
	}
}

func TestPurgeBuild(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(10, 7)
	objects := newFakeObjects()
	m := expiry.NewManager(store, objects, &fakeQueue{}, zerolog.Nop())

	rec := expiredRecord("b1")
	if err := store.Create(ctx, rec); err != nil {
		t.Fatal(err)
	}
	objects.put("builds/b1/demo-android.apk")
	objects.put("builds/b1/icon.png")
	objects.put("builds/b1-source/demo-source.zip")
	objects.put("builds/other/keep.apk")

	if err := m.PurgeBuild(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if got := objects.count(); got != 1 {
		t.Fatalf("%d objects remain, want the unrelated one only", got)
	}
	stored, err := store.Get(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.OutputFilePath != nil || stored.DownloadURL != nil || stored.IconURL != nil {
		t.Fatalf("file pointers survive purge: %+v", stored)
	}
	if stored.Status != build.StatusCompleted {
		t.Fatalf("purge changed status to %s", stored.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(10, 7)
	tasks := &fakeQueue{}
	m := expiry.NewManager(store, newFakeObjects(), tasks, zerolog.Nop())

	if err := store.Create(ctx, expiredRecord("old")); err != nil {
		t.Fatal(err)
	}
	fresh := expiredRecord("fresh")
	fresh.ExpiresAt = time.Now().Add(time.Hour)
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	if err := m.SweepExpired(ctx); err != nil {
		t.Fatal(err)
	}
	if len(tasks.purges) != 1 || tasks.purges[0].BuildID != "old" {
		t.Fatalf("purges %v", tasks.purges)
	}
}
