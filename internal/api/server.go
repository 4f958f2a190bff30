// Package api exposes the build pipeline over HTTP: submissions, status
// polling, CI callbacks, shares, and quota probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/packwright/packwright/internal/build"
	"github.com/packwright/packwright/internal/expiry"
	"github.com/packwright/packwright/internal/orchestrator"
	"github.com/packwright/packwright/internal/signing"
	"github.com/packwright/packwright/internal/watchdog"
)

// BuildDirectory is the read/claim slice of the build store the API uses.
type BuildDirectory interface {
	Get(ctx context.Context, id string) (*build.Record, error)
	ListByUser(ctx context.Context, userID string) ([]*build.Record, error)
	ListActive(ctx context.Context, userID string) ([]*build.Record, error)
	ClaimSync(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	ReleaseSync(ctx context.Context, id string) error
}

// ShareStore persists download share codes.
type ShareStore interface {
	CreateShare(ctx context.Context, s *build.Share) error
	GetShare(ctx context.Context, code string) (*build.Share, error)
	IncrementShareAccess(ctx context.Context, code string) error
}

// Presigner mints time-limited download URLs; stored URLs are never served.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Options carries the API-layer tunables.
type Options struct {
	APIToken       string
	DownloadURLTTL time.Duration
	SyncStaleAfter time.Duration
}

// Server wires the HTTP surface to the pipeline services.
type Server struct {
	orc      *orchestrator.Orchestrator
	builds   BuildDirectory
	shares   ShareStore
	quota    orchestrator.QuotaLedger
	objects  Presigner
	expiry   *expiry.Manager
	watchdog *watchdog.Watchdog
	signer   *signing.Signer
	opts     Options
	log      zerolog.Logger
}

func NewServer(orc *orchestrator.Orchestrator, builds BuildDirectory, shares ShareStore, ledger orchestrator.QuotaLedger, objects Presigner, exp *expiry.Manager, wd *watchdog.Watchdog, signer *signing.Signer, opts Options, log zerolog.Logger) *Server {
	if opts.DownloadURLTTL <= 0 {
		opts.DownloadURLTTL = time.Hour
	}
	if opts.SyncStaleAfter <= 0 {
		opts.SyncStaleAfter = 5 * time.Minute
	}
	return &Server{
		orc:      orc,
		builds:   builds,
		shares:   shares,
		quota:    ledger,
		objects:  objects,
		expiry:   exp,
		watchdog: wd,
		signer:   signer,
		opts:     opts,
		log:      log,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Signed by the CI workflow, not by the service token.
	r.Post("/api/builds/{id}/github-callback", s.handleCallback)

	// Share links are followed by recipients without credentials.
	r.Get("/api/shares/{code}", s.handleAccessShare)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.opts.APIToken))

		r.Post("/api/builds", s.handleSubmitBatch)
		r.Post("/api/builds/{platform}", s.handleSubmitOne)
		r.Get("/api/builds", s.handleListBuilds)
		r.Get("/api/builds/polling", s.handlePolling)
		r.Get("/api/builds/{id}", s.handleGetBuild)
		r.Post("/api/builds/{id}/sync-github", s.handleManualSync)
		r.Post("/api/builds/{id}/share", s.handleCreateShare)
		r.Get("/api/quota", s.handleQuota)
	})

	return r
}
