package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/storage"
)

// Remote icon fetches escalate the per-attempt timeout instead of backing
// off between attempts; slow hosts get more room, dead hosts fail fast.
var iconFetchTimeouts = []time.Duration{30 * time.Second, 45 * time.Second, 60 * time.Second}

// stageIcon resolves the submission's icon source, stores the bytes under the
// build's prefix, and records the key. Icon failures never fail the build;
// the package ships with the template's default icon instead.
func (o *Orchestrator) stageIcon(ctx context.Context, rec *build.Record, src build.IconSource) []byte {
	data, err := o.resolveIcon(ctx, src)
	if err != nil {
		o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("icon unavailable, using template default")
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	key := storage.ArtifactKey(rec.ID, "icon.png")
	if err := o.objects.Upload(ctx, key, data, "image/png"); err != nil {
		o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("icon upload failed, using template default")
		return data
	}
	if err := o.builds.SetIcon(ctx, rec.ID, key); err != nil {
		o.log.Warn().Err(err).Str("build_id", rec.ID).Msg("record icon key failed")
	}
	return data
}

func (o *Orchestrator) resolveIcon(ctx context.Context, src build.IconSource) ([]byte, error) {
	switch {
	case len(src.Inline) > 0:
		if o.oversized(int64(len(src.Inline))) {
			return nil, fmt.Errorf("inline icon exceeds %d bytes", o.opts.MaxIconBytes)
		}
		return src.Inline, nil
	case src.ObjectKey != "":
		data, err := o.objects.Download(ctx, src.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("download uploaded icon: %w", err)
		}
		if o.oversized(int64(len(data))) {
			return nil, fmt.Errorf("uploaded icon exceeds %d bytes", o.opts.MaxIconBytes)
		}
		return data, nil
	case src.RemoteURL != "":
		return o.fetchRemoteIcon(ctx, src.RemoteURL)
	}
	return nil, nil
}

// fetchRemoteIcon downloads the icon with bounded retries.
func (o *Orchestrator) fetchRemoteIcon(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt, timeout := range iconFetchTimeouts {
		data, err := o.fetchIconOnce(ctx, rawURL, timeout)
		if err == nil {
			return data, nil
		}
		lastErr = err
		o.log.Debug().Err(err).Int("attempt", attempt+1).Str("url", rawURL).Msg("icon fetch attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("fetch remote icon: %w", lastErr)
}

func (o *Orchestrator) fetchIconOnce(ctx context.Context, rawURL string, timeout time.Duration) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build icon request: %w", err)
	}
	resp, err := o.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if o.opts.MaxIconBytes > 0 {
		reader = io.LimitReader(resp.Body, o.opts.MaxIconBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read icon body: %w", err)
	}
	if o.oversized(int64(len(data))) {
		return nil, fmt.Errorf("remote icon exceeds %d bytes", o.opts.MaxIconBytes)
	}
	return data, nil
}

func (o *Orchestrator) oversized(n int64) bool {
	return o.opts.MaxIconBytes > 0 && n > o.opts.MaxIconBytes
}
