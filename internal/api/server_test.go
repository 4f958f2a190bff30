package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/api"
	"github.com/packwright/packwright/internal/assembly"
	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/ci"
	"github.com/packwright/packwright/internal/expiry"
	"github.com/packwright/packwright/internal/orchestrator"
	"github.com/packwright/packwright/internal/queue"
	"github.com/packwright/packwright/internal/quota"
	"github.com/packwright/packwright/internal/repository"
	"github.com/packwright/packwright/internal/signing"
	"github.com/packwright/packwright/internal/watchdog"
)

const testToken = "svc-token"

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: make(map[string][]byte)} }

func (f *fakeObjects) Upload(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("object %s not found", key)
}

func (f *fakeObjects) Stat(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data, ok := f.objects[key]; ok {
		return int64(len(data)), nil
	}
	return 0, fmt.Errorf("object %s not found", key)
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

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://files.test/" + key, nil
}

type fakeAssembler struct{}

func (fakeAssembler) Assemble(_ context.Context, spec assembly.Spec) (*assembly.Artifact, error) {
	return &assembly.Artifact{
		Name:        assembly.ArtifactFileName(spec),
		ContentType: "application/octet-stream",
		Data:        []byte("artifact"),
	}, nil
}

type fakeDispatcher struct{}

func (fakeDispatcher) DispatchWorkflow(context.Context, string, string) error { return nil }
func (fakeDispatcher) GetRunStatus(context.Context, int64) (*ci.RunStatus, error) {
	return &ci.RunStatus{Status: ci.RunInProgress}, nil
}
func (fakeDispatcher) FindRunForBuild(context.Context, string, time.Time) (*ci.Run, error) {
	return &ci.Run{ID: 42, Status: ci.RunInProgress}, nil
}
func (fakeDispatcher) DownloadArtifact(context.Context, int64, string) ([]byte, error) {
	return nil, ci.ErrArtifactMissing
}

type fakeQueue struct {
	mu     sync.Mutex
	syncs  []queue.BuildPayload
	purges []queue.BuildPayload
}

func (f *fakeQueue) EnqueueAssemble(context.Context, queue.BuildPayload) error    { return nil }
func (f *fakeQueue) EnqueueDispatchAPK(context.Context, queue.BuildPayload) error { return nil }
func (f *fakeQueue) EnqueueSyncCI(_ context.Context, p queue.BuildPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, p)
	return nil
}
func (f *fakeQueue) EnqueuePurge(_ context.Context, p queue.BuildPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, p)
	return nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]bool
}

func (c *memCache) IsCompleted(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[id], nil
}

func (c *memCache) MarkCompleted(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = true
	return nil
}

type testEnv struct {
	srv    *httptest.Server
	store  *repository.MemoryStore
	orc    *orchestrator.Orchestrator
	tasks  *fakeQueue
	signer *signing.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := repository.NewMemoryStore(10, 7)
	objects := newFakeObjects()
	tasks := &fakeQueue{}
	ledger := quota.NewLedger(store)
	log := zerolog.Nop()

	orc := orchestrator.New(store, ledger, objects, fakeAssembler{}, fakeDispatcher{}, tasks,
		orchestrator.Options{MaxIconBytes: 1 << 20}, log)
	exp := expiry.NewManager(store, objects, tasks, log)
	wd := watchdog.New(store, orc, &memCache{m: make(map[string]bool)}, watchdog.Options{}, log)
	signer := signing.NewSigner([]byte("callback-secret"))

	server := api.NewServer(orc, store, store, ledger, objects, exp, wd, signer, api.Options{
		APIToken: testToken,
	}, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, orc: orc, tasks: tasks, signer: signer}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("X-User-ID", user)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func submitRequest() map[string]any {
	return map[string]any{
		"app_name":     "Demo App",
		"package_id":   "com.example.demo",
		"version_name": "1.0.0",
		"version_code": 1,
		"target_url":   "https://demo.example.com",
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/api/builds", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no credentials: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/builds", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("X-User-ID", "u1")
	resp2, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp2.StatusCode)
	}
}

func TestSubmitAndGetBuild(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/builds/android", "u1", submitRequest())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", resp.StatusCode, body)
	}
	var submitted struct {
		BuildID string `json:"build_id"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatal(err)
	}

	resp, body = e.do(t, http.MethodGet, "/api/builds/"+submitted.BuildID, "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, body)
	}
	var rec build.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Status != build.StatusPending || rec.Platform != build.PlatformAndroid {
		t.Fatalf("record %+v", rec)
	}

	// Other users cannot see the record at all.
	resp, _ = e.do(t, http.MethodGet, "/api/builds/"+submitted.BuildID, "u2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get: %d", resp.StatusCode)
	}
}

func TestSubmitUnknownPlatform(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/builds/amiga", "u1", submitRequest())
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got %d", resp.StatusCode)
	}
}

func TestSubmitBatch(t *testing.T) {
	e := newTestEnv(t)
	body := map[string]any{"builds": []map[string]any{
		mergeMap(submitRequest(), "platform", "android"),
		mergeMap(submitRequest(), "platform", "windows"),
	}}
	resp, data := e.do(t, http.MethodPost, "/api/builds", "u1", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch: %d %s", resp.StatusCode, data)
	}
	var out struct {
		BuildIDs []string `json:"build_ids"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.BuildIDs) != 2 {
		t.Fatalf("ids %v", out.BuildIDs)
	}
}

func TestQuotaEndpointAndExhaustion(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetWallet(quota.Wallet{
		UserID:             "u1",
		DailyBuildsLimit:   1,
		DailyBuildsResetAt: quota.Today(),
		FileRetentionDays:  7,
	})

	resp, data := e.do(t, http.MethodGet, "/api/quota", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quota: %d", resp.StatusCode)
	}
	var check quota.Check
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatal(err)
	}
	if !check.Allowed || check.Remaining != 1 {
		t.Fatalf("check %+v", check)
	}

	if resp, _ := e.do(t, http.MethodPost, "/api/builds/android", "u1", submitRequest()); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first submit: %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/builds/android", "u1", submitRequest())
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over quota: %d", resp.StatusCode)
	}
}

func TestListBuildsPresignsFreshURLs(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	id, err := e.orc.SubmitBuild(ctx, "u1", build.Request{
		Platform: build.PlatformAndroid, AppName: "Demo App",
		PackageID: "com.example.demo", TargetURL: "https://demo.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orc.ProcessAssemble(ctx, queue.BuildPayload{BuildID: id}); err != nil {
		t.Fatal(err)
	}

	resp, data := e.do(t, http.MethodGet, "/api/builds", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	var out struct {
		Builds []build.Record `json:"builds"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Builds) != 1 || out.Builds[0].DownloadURL == nil {
		t.Fatalf("builds %+v", out.Builds)
	}
	if !strings.HasPrefix(*out.Builds[0].DownloadURL, "https://files.test/builds/") {
		t.Fatalf("download url %s", *out.Builds[0].DownloadURL)
	}
}

func TestCallback(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	id, err := e.orc.SubmitBuild(ctx, "u1", build.Request{
		Platform: build.PlatformAndroidAPK, AppName: "Demo App",
		PackageID: "com.example.demo", TargetURL: "https://demo.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orc.ProcessDispatchAPK(ctx, queue.BuildPayload{BuildID: id, UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	payload := map[string]any{
		"run_id":       123,
		"conclusion":   "success",
		"artifact_url": "https://ci.test/artifacts/123",
	}
	data, _ := json.Marshal(payload)

	// Wrong signature is rejected before any state changes.
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/builds/"+id+"/github-callback", bytes.NewReader(data))
	req.Header.Set("X-Signature", "bogus")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus signature: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, e.srv.URL+"/api/builds/"+id+"/github-callback", bytes.NewReader(data))
	req.Header.Set("X-Signature", e.signer.Sign(id, 123))
	resp, err = e.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed callback: %d", resp.StatusCode)
	}

	rec, _ := e.store.Get(ctx, id)
	if rec.GitHubRunID == nil || *rec.GitHubRunID != 123 {
		t.Fatalf("run id %v", rec.GitHubRunID)
	}
	if rec.GitHubArtifactURL == nil || *rec.GitHubArtifactURL != "https://ci.test/artifacts/123" {
		t.Fatalf("artifact url %v", rec.GitHubArtifactURL)
	}
	if len(e.tasks.syncs) != 1 {
		t.Fatalf("enqueued %d sync tasks", len(e.tasks.syncs))
	}
}

func TestManualSync(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	body := mergeMap(submitRequest(), "platform", "android-apk")
	resp, data := e.do(t, http.MethodPost, "/api/builds/android-apk", "u1", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d %s", resp.StatusCode, data)
	}
	var submitted struct {
		BuildID string `json:"build_id"`
	}
	if err := json.Unmarshal(data, &submitted); err != nil {
		t.Fatal(err)
	}

	// Sync before the dispatch task ran: the build stays open.
	resp, data = e.do(t, http.MethodPost, "/api/builds/"+submitted.BuildID+"/sync-github", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("early sync: %d %s", resp.StatusCode, data)
	}
	var out struct {
		Success     bool    `json:"success"`
		Status      string  `json:"status"`
		DownloadURL *string `json:"download_url"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Status != string(build.StatusPending) || out.DownloadURL != nil {
		t.Fatalf("early sync response %+v", out)
	}
	rec, _ := e.store.Get(ctx, submitted.BuildID)
	if rec.Status != build.StatusPending {
		t.Fatalf("early sync transitioned the record: %s", rec.Status)
	}

	// After dispatch the run is still in progress.
	if err := e.orc.ProcessDispatchAPK(ctx, queue.BuildPayload{BuildID: submitted.BuildID, UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	resp, data = e.do(t, http.MethodPost, "/api/builds/"+submitted.BuildID+"/sync-github", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Success || out.Status != string(build.StatusProcessing) {
		t.Fatalf("sync response %+v", out)
	}
}

func TestShareFlow(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	id, err := e.orc.SubmitBuild(ctx, "u1", build.Request{
		Platform: build.PlatformAndroid, AppName: "Demo App",
		PackageID: "com.example.demo", TargetURL: "https://demo.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.orc.ProcessAssemble(ctx, queue.BuildPayload{BuildID: id}); err != nil {
		t.Fatal(err)
	}

	resp, data := e.do(t, http.MethodPost, "/api/builds/"+id+"/share", "u1", map[string]string{"password": "s3cret"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create share: %d %s", resp.StatusCode, data)
	}
	var created struct {
		Code      string `json:"code"`
		Protected bool   `json:"protected"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Code == "" || !created.Protected {
		t.Fatalf("share %+v", created)
	}

	// No password, wrong password, right password.
	resp, _ = e.do(t, http.MethodGet, "/api/shares/"+created.Code, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing password: %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/shares/"+created.Code+"?password=nope", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", resp.StatusCode)
	}
	resp, data = e.do(t, http.MethodGet, "/api/shares/"+created.Code+"?password=s3cret", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("share access: %d %s", resp.StatusCode, data)
	}
	var view struct {
		DownloadURL string `json:"download_url"`
		AccessCount int    `json:"access_count"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatal(err)
	}
	if view.DownloadURL == "" || view.AccessCount != 1 {
		t.Fatalf("view %+v", view)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/shares/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown code: %d", resp.StatusCode)
	}
}

func TestShareRequiresCompletedBuild(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/builds/android", "u1", submitRequest())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	var submitted struct {
		BuildID string `json:"build_id"`
	}
	if err := json.Unmarshal(body, &submitted); err != nil {
		t.Fatal(err)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/builds/"+submitted.BuildID+"/share", "u1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("share of pending build: %d", resp.StatusCode)
	}
}

func TestPolling(t *testing.T) {
	e := newTestEnv(t)
	if resp, _ := e.do(t, http.MethodPost, "/api/builds/android", "u1", submitRequest()); resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: %d", resp.StatusCode)
	}
	resp, data := e.do(t, http.MethodGet, "/api/builds/polling", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("polling: %d", resp.StatusCode)
	}
	var out struct {
		Builds []map[string]any `json:"builds"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Builds) != 1 {
		t.Fatalf("active builds %d", len(out.Builds))
	}
	entry := out.Builds[0]
	if entry["status"] != string(build.StatusPending) || entry["platform"] != string(build.PlatformAndroid) {
		t.Fatalf("poll entry %v", entry)
	}
	// Polling is a lightweight progress feed, not the full record.
	if _, ok := entry["target_url"]; ok {
		t.Fatalf("poll entry leaks full record fields: %v", entry)
	}
}

func mergeMap(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
