package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
	"github.com/opencellcw/ulf-warden-sub010/internal/trigger"
)

const defaultTimeout = 60 * time.Second

// Server holds the HTTP surface over one orchestrator.
type Server struct {
	router      *chi.Mux
	orch        *orchestrator.Orchestrator
	apiKeys     map[string]string // key → subject
	corsOrigins []string
	webhooks    *trigger.WebhookHandler
	scheduler   *trigger.Scheduler
	throttle    *Throttle
	version     string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithWebhooks mounts the webhook trigger handler at POST /v1/triggers/{name}.
func WithWebhooks(h *trigger.WebhookHandler) Option {
	return func(s *Server) { s.webhooks = h }
}

// WithScheduler exposes cron entry counts on the status endpoint.
func WithScheduler(sched *trigger.Scheduler) Option {
	return func(s *Server) { s.scheduler = sched }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithThrottle installs the edge throttle in front of authenticated
// routes. This is a cheap outer ceiling; the accounted per-subject
// windows live in the orchestrator's limiter.
func WithThrottle(t *Throttle) Option {
	return func(s *Server) { s.throttle = t }
}

// WithVersion sets the version string reported by /v1/status.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server around the orchestrator. apiKeys maps API
// key to subject; an empty map means every authenticated route returns
// 401.
func NewServer(orch *orchestrator.Orchestrator, apiKeys map[string]string, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		orch:        orch,
		apiKeys:     apiKeys,
		corsOrigins: []string{"*"},
		version:     "dev",
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler. Workflow runs and tool
// executions are registered without the default request timeout so the
// orchestrator's own per-call and per-plan deadlines decide.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(wardenotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Webhooks (no auth; the trigger's own subject attribution applies)
	if s.webhooks != nil {
		r.Post("/v1/triggers/{name}", s.webhooks.HandleWebhook)
	}

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(ThrottleMiddleware(s.throttle))

		// Long-running: the governor and plan deadlines bound these.
		r.Post("/v1/tools/execute", s.handleToolExecute)
		r.Post("/v1/workflows/run", s.handleWorkflowRun)

		// Short routes: 60s request timeout
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/tools", s.handleToolsList)

			r.Post("/v1/admission/vet", s.handleAdmissionVet)
			r.Post("/v1/admission/sanitize", s.handleAdmissionSanitize)

			r.Post("/v1/ratelimit/check", s.handleRateLimitCheck)

			r.Get("/v1/policies", s.handlePoliciesList)
			r.Get("/v1/policies/{tool}", s.handlePolicyGet)

			r.Post("/v1/workflows/validate", s.handleWorkflowValidate)

			r.Get("/v1/retry-policies/{tool}", s.handleRetryPolicyGet)
			r.Post("/v1/retry-policies", s.handleRetryPolicySet)

			r.Get("/v1/audit", s.handleAuditList)
			r.Get("/v1/audit/{id}", s.handleAuditGet)
			r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)

			r.Get("/v1/triggers", s.handleTriggersList)
			r.Get("/v1/status", s.handleStatus)
		})
	})

	return r
}
