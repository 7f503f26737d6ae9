// Package api serves the landing pipeline's public HTTP surface: dry-run
// assessments, landing submissions, job listings and cancellation, plus the
// health and metrics endpoints. Authentication is delegated to a fronting
// proxy that asserts the caller's identity in trusted headers.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/untoldecay/treeline/internal/assess"
	"github.com/untoldecay/treeline/internal/blob"
	"github.com/untoldecay/treeline/internal/dynconfig"
	"github.com/untoldecay/treeline/internal/metrics"
	"github.com/untoldecay/treeline/internal/repos"
	"github.com/untoldecay/treeline/internal/review"
	"github.com/untoldecay/treeline/internal/storage"
)

// checkinProjectSlug is the review-service project users attach to a
// revision to request a landing on their behalf. Landing a revision makes
// the tag stale, so submission removes it best-effort.
const checkinProjectSlug = "checkin-needed"

// Server owns the HTTP handlers. All fields except Version and ReviewURL
// must be set.
type Server struct {
	Store   storage.Storage
	Review  review.Service
	Engine  *assess.Engine
	Targets func() *repos.Set
	Patches blob.Store
	Vars    *dynconfig.Vars
	Log     *zap.Logger

	// ReviewURL is the public base URL of the review service, used to build
	// the revision trailer in commit messages.
	ReviewURL string
	// Version is the server's own version, compared against the
	// X-Treeline-Client header for skew detection. Empty disables the check.
	Version string
	// CORSOrigins restricts browser callers. Empty allows any origin.
	CORSOrigins []string
}

// Router assembles the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type", headerEmail, headerGroups, headerClient},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// The landing surface requires an asserted identity and an up-to-date
	// client.
	r.Group(func(r chi.Router) {
		r.Use(s.checkClientVersion)
		r.Use(identity)

		r.Post("/transplants/dryrun", s.handleDryRun)
		r.Post("/transplants", s.handleSubmit)
		r.Get("/transplants", s.handleStackJobs)
		r.Get("/landing_jobs/{id}", s.handleGetJob)
		r.Put("/landing_jobs/{id}", s.handleCancelJob)
	})

	return r
}

// handleHealth probes the collaborators a landing submission depends on.
// The store is mandatory; a review-service outage degrades the response to
// 502 so load balancers can route around this instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.Store.Healthy(ctx); err != nil {
		s.Log.Error("health probe failed on store", zap.Error(err))
		writeProblem(w, problem{
			Title:  "Unhealthy",
			Detail: "The landing job store is unavailable.",
			Status: http.StatusInternalServerError,
		})
		return
	}
	if err := s.Review.Healthy(ctx); err != nil {
		s.Log.Warn("health probe failed on review service", zap.Error(err))
		writeProblem(w, problem{
			Title:  "Unhealthy",
			Detail: "The review service is unavailable.",
			Status: http.StatusBadGateway,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// targets returns the current landing-target set. The function indirection
// lets the config watcher swap sets without restarting the server.
func (s *Server) targets() *repos.Set {
	return s.Targets()
}

// submitTimeout bounds one submission end to end: assessment, patch builds,
// and the insert critical section.
const submitTimeout = 60 * time.Second
