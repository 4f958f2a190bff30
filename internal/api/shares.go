package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/packwright/packwright/internal/build"
)

type createShareRequest struct {
	Password string `json:"password"`
}

type shareView struct {
	Code        string    `json:"code"`
	AppName     string    `json:"app_name"`
	Platform    string    `json:"platform"`
	DownloadURL string    `json:"download_url,omitempty"`
	AccessCount int       `json:"access_count"`
	ExpiresAt   time.Time `json:"expires_at"`
	Protected   bool      `json:"protected"`
}

// handleCreateShare issues a share code for a completed build. The share
// inherits the build's expiry; an optional password is stored as a bcrypt
// hash.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedBuild(r)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if rec.Status != build.StatusCompleted || rec.OutputFilePath == nil {
		respondError(w, s.log, build.ErrNotCompleted)
		return
	}
	if rec.Expired(time.Now().UTC()) {
		respondError(w, s.log, build.ErrExpired)
		return
	}

	var body createShareRequest
	if r.Body != nil {
		// An empty body means an unprotected share.
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body)
	}

	share := &build.Share{
		Code:      build.NewShareCode(),
		BuildID:   rec.ID,
		ExpiresAt: rec.ExpiresAt,
	}
	if body.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			respondError(w, s.log, fmt.Errorf("hash share password: %w", err))
			return
		}
		h := string(hash)
		share.PasswordHash = &h
	}
	if err := s.shares.CreateShare(r.Context(), share); err != nil {
		respondError(w, s.log, err)
		return
	}
	respondJSON(w, http.StatusCreated, shareView{
		Code:      share.Code,
		AppName:   rec.AppName,
		Platform:  string(rec.Platform),
		ExpiresAt: share.ExpiresAt,
		Protected: share.PasswordHash != nil,
	})
}

// handleAccessShare resolves a share code to a fresh download URL. The
// password arrives in a header so share links stay clean.
func (s *Server) handleAccessShare(w http.ResponseWriter, r *http.Request) {
	share, err := s.shares.GetShare(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if share.Expired(time.Now().UTC()) {
		respondError(w, s.log, build.ErrShareNotFound)
		return
	}
	if share.PasswordHash != nil {
		password := r.Header.Get("X-Share-Password")
		if password == "" {
			password = r.URL.Query().Get("password")
		}
		if bcrypt.CompareHashAndPassword([]byte(*share.PasswordHash), []byte(password)) != nil {
			respondError(w, s.log, build.ErrSharePassword)
			return
		}
	}

	rec, err := s.builds.Get(r.Context(), share.BuildID)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if rec.Expired(time.Now().UTC()) || rec.OutputFilePath == nil {
		respondError(w, s.log, build.ErrExpired)
		return
	}
	url, err := s.objects.PresignGet(r.Context(), *rec.OutputFilePath, s.opts.DownloadURLTTL)
	if err != nil {
		respondError(w, s.log, err)
		return
	}
	if err := s.shares.IncrementShareAccess(r.Context(), share.Code); err != nil {
		s.log.Warn().Err(err).Str("code", share.Code).Msg("count share access failed")
	}

	respondJSON(w, http.StatusOK, shareView{
		Code:        share.Code,
		AppName:     rec.AppName,
		Platform:    string(rec.Platform),
		DownloadURL: url,
		AccessCount: share.AccessCount + 1,
		ExpiresAt:   share.ExpiresAt,
		Protected:   share.PasswordHash != nil,
	})
}
