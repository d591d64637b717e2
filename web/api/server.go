package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/korentomas/issueforge/internal/auth"
	"github.com/korentomas/issueforge/internal/notify"
	"github.com/korentomas/issueforge/internal/runner"
	"github.com/korentomas/issueforge/internal/stream"
	"github.com/korentomas/issueforge/internal/threadstore"
	"github.com/korentomas/issueforge/internal/webhook"
)

// RunnerClient dispatches and cancels work on the external runner service
type RunnerClient interface {
	Dispatch(ctx context.Context, req runner.DispatchRequest) error
	Cancel(ctx context.Context, threadID string) error
}

// Options wires a Server together
type Options struct {
	Store    *threadstore.Store
	Runner   RunnerClient
	Sessions *auth.Sessions
	Notifier notify.Notifier

	// WebhookSecret authenticates the runner's progress reports
	WebhookSecret string
	// BaseURL is this control plane's external address, used for webhook callbacks
	BaseURL string
	// PollInterval bounds event stream staleness
	PollInterval time.Duration

	Addr           string
	AllowedOrigins []string
}

// Server is the HTTP control-plane API server
type Server struct {
	store    *threadstore.Store
	machine  *webhook.Machine
	streams  *stream.Multiplexer
	runner   RunnerClient
	sessions *auth.Sessions
	notifier notify.Notifier
	hub      *SSEHub

	webhookSecret string
	baseURL       string
	addr          string

	handler http.Handler
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		store:         opts.Store,
		machine:       webhook.New(opts.Store),
		streams:       stream.New(opts.Store, opts.PollInterval),
		runner:        opts.Runner,
		sessions:      opts.Sessions,
		notifier:      opts.Notifier,
		hub:           NewSSEHub(),
		webhookSecret: opts.WebhookSecret,
		baseURL:       opts.BaseURL,
		addr:          opts.Addr,
	}
	if s.notifier == nil {
		s.notifier = notify.NoopNotifier{}
	}

	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", s.healthHandler())
		r.Get("/events", s.dashboardEventsHandler())
		r.Get("/runner/ws", s.runnerWSHandler())

		r.Route("/threads", func(r chi.Router) {
			// Runner-facing, shared-secret auth
			r.Post("/{id}/webhook", s.webhookHandler())

			// Browser-facing, session auth
			r.Group(func(r chi.Router) {
				r.Use(s.requireUser)
				r.Post("/", s.createThreadHandler())
				r.Get("/", s.listThreadsHandler())
				r.Get("/{id}", s.getThreadHandler())
				r.Get("/{id}/messages", s.getMessagesHandler())
				r.Get("/{id}/stream", s.streamHandler())
				r.Post("/{id}/cancel", s.cancelThreadHandler())
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/dashboard/stats", s.dashboardStatsHandler())
		})
	})

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)

	return s
}

// Handler returns the server's root handler (useful for tests)
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the HTTP server until the context is cancelled. The context is
// also the base context of every request, so in-flight streams end with it.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Broadcast sends an event to all dashboard SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.hub.Broadcast(event)
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
