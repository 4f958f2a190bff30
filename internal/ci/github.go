// Package ci talks to the GitHub Actions REST API for the two-stage
// android-apk pipeline: dispatch a compile workflow, poll its run status,
// and download the resulting artifact zip.
package ci

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Run status values reported by the API.
const (
	RunQueued     = "queued"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"

	ConclusionSuccess = "success"
	ConclusionFailure = "failure"
)

// ErrAPKNotFound is the hard failure for artifact zips missing an APK.
var ErrAPKNotFound = errors.New("APK file not found in CI artifact")

// ErrArtifactMissing is returned when a completed run has no artifact with
// the expected name; callers treat it as transient until the artifact
// retention job finishes publishing.
var ErrArtifactMissing = errors.New("CI artifact not available yet")

// RunStatus is the condensed state of one workflow run.
type RunStatus struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
}

// Run is one entry from the recent-run listing.
type Run struct {
	ID           int64     `json:"id"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	DisplayTitle string    `json:"display_title"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config identifies the CI repository and workflow.
type Config struct {
	APIURL   string
	Token    string
	Owner    string
	Repo     string
	Workflow string
	Ref      string
}

// Client is a rate-limited GitHub Actions API client. The limiter keeps the
// watchdog's sweep bursts inside the API's secondary rate limits.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Ref == "" {
		cfg.Ref = "main"
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// DispatchWorkflow triggers the compile workflow. The build id rides along
// as a workflow input; the workflow is expected to set its run-name to the
// build id so the run can be located afterwards.
func (c *Client) DispatchWorkflow(ctx context.Context, buildID, sourceURL string) error {
	body := map[string]any{
		"ref": c.cfg.Ref,
		"inputs": map[string]string{
			"build_id":   buildID,
			"source_url": sourceURL,
		},
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		c.cfg.APIURL, c.cfg.Owner, c.cfg.Repo, c.cfg.Workflow)
	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("github: dispatch workflow: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// GetRunStatus queries one workflow run.
func (c *Client) GetRunStatus(ctx context.Context, runID int64) (*RunStatus, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d", c.cfg.APIURL, c.cfg.Owner, c.cfg.Repo, runID)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: get run %d: unexpected status %d", runID, resp.StatusCode)
	}
	var st RunStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("github: decode run status: %w", err)
	}
	return &st, nil
}

// ListRecentRuns returns the workflow's most recent runs, newest first.
func (c *Client) ListRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?per_page=%d",
		c.cfg.APIURL, c.cfg.Owner, c.cfg.Repo, c.cfg.Workflow, limit)
	resp, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: list runs: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		WorkflowRuns []Run `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github: decode run list: %w", err)
	}
	return payload.WorkflowRuns, nil
}

// FindRunForBuild locates the run belonging to a build. An exact run-name
// match wins; otherwise the newest successful run created after the build is
// the documented best-effort fallback for records that lost their run id.
func (c *Client) FindRunForBuild(ctx context.Context, buildID string, since time.Time) (*Run, error) {
	runs, err := c.ListRecentRuns(ctx, 30)
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	for i := range runs {
		if strings.Contains(runs[i].DisplayTitle, buildID) {
			return &runs[i], nil
		}
	}
	for i := range runs {
		r := &runs[i]
		if r.Status == RunCompleted && r.Conclusion == ConclusionSuccess && r.CreatedAt.After(since) {
			return r, nil
		}
	}
	return nil, ErrRunNotFound
}

// ErrRunNotFound is the hard failure for builds whose run cannot be located.
var ErrRunNotFound = errors.New("no matching workflow run found")

// DownloadArtifact fetches the named artifact zip for a run.
func (c *Client) DownloadArtifact(ctx context.Context, runID int64, name string) ([]byte, error) {
	listURL := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/artifacts", c.cfg.APIURL, c.cfg.Owner, c.cfg.Repo, runID)
	resp, err := c.do(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: list artifacts for run %d: unexpected status %d", runID, resp.StatusCode)
	}
	var payload struct {
		Artifacts []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("github: decode artifact list: %w", err)
	}
	var artifactID int64
	for _, a := range payload.Artifacts {
		if a.Name == name {
			artifactID = a.ID
			break
		}
	}
	if artifactID == 0 {
		return nil, ErrArtifactMissing
	}

	dlURL := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts/%d/zip", c.cfg.APIURL, c.cfg.Owner, c.cfg.Repo, artifactID)
	dlResp, err := c.do(ctx, http.MethodGet, dlURL, nil)
	if err != nil {
		return nil, err
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github: download artifact %d: unexpected status %d", artifactID, dlResp.StatusCode)
	}
	data, err := io.ReadAll(dlResp.Body)
	if err != nil {
		return nil, fmt.Errorf("github: read artifact %d: %w", artifactID, err)
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("github: rate limiter: %w", err)
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("github: marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: request failed: %w", err)
	}
	return resp, nil
}

// ExtractAPK searches the downloaded artifact zip for the compiled package.
// CI nests the APK under Gradle output directories, so the match is by
// suffix: a *-release.apk wins over any other *.apk. No match is a hard
// failure for the build.
func ExtractAPK(zipData []byte) ([]byte, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, "", fmt.Errorf("open artifact zip: %w", err)
	}
	var fallback *zip.File
	var release *zip.File
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		if !strings.HasSuffix(name, ".apk") {
			continue
		}
		if strings.HasSuffix(name, "-release.apk") && release == nil {
			release = f
		}
		if fallback == nil {
			fallback = f
		}
	}
	chosen := release
	if chosen == nil {
		chosen = fallback
	}
	if chosen == nil {
		return nil, "", ErrAPKNotFound
	}
	r, err := chosen.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", chosen.Name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", chosen.Name, err)
	}
	return data, chosen.Name, nil
}
