package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/orchestrator"
)

// maxSubmitBody bounds submission bodies; the icon limit is enforced on top.
const maxSubmitBody = 8 << 20

type submitResponse struct {
	BuildID string `json:"build_id"`
	Status  string `json:"status"`
}

type batchRequest struct {
	Builds []build.Request `json:"builds"`
}

type batchResponse struct {
	BuildIDs []string `json:"build_ids"`
}

// handleSubmitOne accepts one platform build, as a multipart form (dashboard
// uploads) or a JSON body.
func (s *Server) handleSubmitOne(w http.ResponseWriter, r *http.Request) {
	platform, err := build.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	req, err := s.decodeRequest(r)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	req.Platform = platform

	id, err := s.orc.SubmitBuild(r.Context(), userID(r), req)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, submitResponse{BuildID: id, Status: string(build.StatusPending)})
}

// handleSubmitBatch accepts one submission spanning several platforms; quota
// is deducted for the whole batch up front.
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody)).Decode(&body); err != nil {
		respondError(w, s.log, fmt.Errorf("%w: %v", build.ErrInvalidInput, err))
		return
	}
	ids, err := s.orc.SubmitBatch(r.Context(), userID(r), body.Builds)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, batchResponse{BuildIDs: ids})
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	records, err := s.builds.ListByUser(r.Context(), userID(r))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.expiry.ApplyLazy(r.Context(), records)
	s.presentAll(r.Context(), records)
	respondJSON(w, http.StatusOK, map[string]any{"builds": records})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedBuild(r)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.expiry.ApplyLazy(r.Context(), []*build.Record{rec})
	s.present(r.Context(), rec)
	respondJSON(w, http.StatusOK, rec)
}

// pollView is the trimmed polling shape: enough for a progress bar, nothing
// that needs presigning.
type pollView struct {
	ID          string         `json:"id"`
	Status      build.Status   `json:"status"`
	Progress    int            `json:"progress"`
	Platform    build.Platform `json:"platform"`
	GitHubRunID *int64         `json:"github_run_id,omitempty"`
}

// handlePolling returns the caller's unfinished builds and hands any that
// look parked on the CI system to the watchdog.
func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request) {
	records, err := s.builds.ListActive(r.Context(), userID(r))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	s.watchdog.Inspect(records)
	views := make([]pollView, 0, len(records))
	for _, rec := range records {
		views = append(views, pollView{
			ID:          rec.ID,
			Status:      rec.Status,
			Progress:    rec.Progress,
			Platform:    rec.Platform,
			GitHubRunID: rec.GitHubRunID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"builds": views})
}

// handleManualSync forces one resync against the CI run, claim included, for
// operators and impatient dashboards.
func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedBuild(r)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if !rec.Platform.RequiresCI() {
		respondError(w, s.log, fmt.Errorf("%w: %s builds are not CI-compiled", build.ErrInvalidInput, rec.Platform))
		return
	}

	now := time.Now().UTC()
	claimed, err := s.builds.ClaimSync(r.Context(), rec.ID, now, now.Add(-s.opts.SyncStaleAfter))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if !claimed {
		respondJSON(w, http.StatusConflict, errorBody{Error: "sync already in progress"})
		return
	}

	state, err := s.orc.SyncFromCI(r.Context(), rec.ID)
	if err != nil {
		// The claim stays; the staleness window re-opens the build.
		respondError(w, s.log, err)
		return
	}
	if err := s.builds.ReleaseSync(r.Context(), rec.ID); err != nil {
		s.log.Warn().Err(err).Str("build_id", rec.ID).Msg("release sync claim failed")
	}

	out := syncResponse{Success: state == orchestrator.SyncCompleted, Status: string(rec.Status)}
	if fresh, err := s.builds.Get(r.Context(), rec.ID); err == nil {
		s.present(r.Context(), fresh)
		out.Status = string(fresh.Status)
		out.DownloadURL = fresh.DownloadURL
	}
	respondJSON(w, http.StatusOK, out)
}

type syncResponse struct {
	Success     bool    `json:"success"`
	Status      string  `json:"status"`
	DownloadURL *string `json:"download_url,omitempty"`
}

type callbackRequest struct {
	RunID       int64  `json:"run_id"`
	Conclusion  string `json:"conclusion"`
	ArtifactURL string `json:"artifact_url"`
}

// handleCallback ingests the CI workflow's completion ping. The request is
// authenticated by an HMAC over the build and run ids, not the service token.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	var body callbackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		respondError(w, s.log, fmt.Errorf("%w: %v", build.ErrInvalidInput, err))
		return
	}
	sig := r.Header.Get("X-Signature")
	if !s.signer.Validate(buildID, strconv.FormatInt(body.RunID, 10), sig) {
		respondJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid callback signature"})
		return
	}
	success := body.Conclusion == "success"
	if err := s.orc.HandleCallback(r.Context(), buildID, body.RunID, body.ArtifactURL, success); err != nil {
		respondError(w, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	check, err := s.quota.CheckDaily(r.Context(), userID(r), 1)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	respondJSON(w, http.StatusOK, check)
}

// ownedBuild loads the path's build and hides other users' records behind
// the not-found sentinel.
func (s *Server) ownedBuild(r *http.Request) (*build.Record, error) {
	rec, err := s.builds.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID(r) {
		return nil, build.ErrNotFound
	}
	return rec, nil
}

// present swaps stored object keys for fresh presigned URLs. Stored download
// URLs are stale by design; every read mints new ones.
func (s *Server) present(ctx context.Context, rec *build.Record) {
	if rec.OutputFilePath != nil {
		if url, err := s.objects.PresignGet(ctx, *rec.OutputFilePath, s.opts.DownloadURLTTL); err == nil {
			rec.DownloadURL = &url
		} else {
			s.log.Warn().Err(err).Str("build_id", rec.ID).Msg("presign artifact failed")
			rec.DownloadURL = nil
		}
	}
	if rec.IconURL != nil {
		if url, err := s.objects.PresignGet(ctx, *rec.IconURL, s.opts.DownloadURLTTL); err == nil {
			rec.IconURL = &url
		} else {
			rec.IconURL = nil
		}
	}
}

func (s *Server) presentAll(ctx context.Context, records []*build.Record) {
	for _, rec := range records {
		s.present(ctx, rec)
	}
}

// decodeRequest reads a submission from either a multipart form or JSON.
func (s *Server) decodeRequest(r *http.Request) (build.Request, error) {
	var req build.Request
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody)).Decode(&req); err != nil {
			return req, fmt.Errorf("%w: %v", build.ErrInvalidInput, err)
		}
		return req, nil
	}

	if err := r.ParseMultipartForm(maxSubmitBody); err != nil {
		return req, fmt.Errorf("%w: %v", build.ErrInvalidInput, err)
	}
	req.AppName = r.FormValue("app_name")
	req.PackageID = r.FormValue("package_id")
	req.VersionName = r.FormValue("version_name")
	req.TargetURL = r.FormValue("target_url")
	req.PrivacyPolicy = r.FormValue("privacy_policy")
	if v := r.FormValue("version_code"); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("%w: version code must be a number", build.ErrInvalidInput)
		}
		req.VersionCode = code
	}
	req.Icon.RemoteURL = r.FormValue("icon_url")
	req.Icon.ObjectKey = r.FormValue("icon_key")
	if file, _, err := r.FormFile("icon"); err == nil {
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return req, fmt.Errorf("%w: read icon upload: %v", build.ErrInvalidInput, err)
		}
		req.Icon.Inline = data
	}
	return req, nil
}
