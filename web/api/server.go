// Package api serves the sizing loop over HTTP for orchestrators that
// prefer a long-running service to invoking the CLI per build.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/history"
	"github.com/hochfrequenz/node-sizer/internal/logger"
)

// Classifier sizes a build from its features
type Classifier interface {
	ClassifyFeatures(ctx context.Context, buildID string, fv domain.FeatureVector) (domain.Decision, error)
}

// TierSource lists the tier table
type TierSource interface {
	Tiers() []domain.Tier
	Default() domain.Tier
}

// Gate is the retraining policy
type Gate interface {
	Evaluate(minRecords int) domain.RetrainDecision
	TriggerTraining(ctx context.Context) domain.TrainResult
	MinRecords() int
}

// VersionSource reports the serving model fingerprint
type VersionSource interface {
	Version() string
}

// Reporter summarizes the decision ledger
type Reporter interface {
	Summary(ctx context.Context) (*history.Summary, error)
}

// Server is the HTTP API server
type Server struct {
	classifier Classifier
	tiers      TierSource
	gate       Gate
	versions   VersionSource
	reporter   Reporter

	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	logger *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithVersionSource reports the model version in /api/status
func WithVersionSource(v VersionSource) Option { return func(s *Server) { s.versions = v } }

// WithReporter adds the ledger summary to /api/status
func WithReporter(r Reporter) Option { return func(s *Server) { s.reporter = r } }

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = logger.Component(l, "api") }
}

// NewServer creates a new API server
func NewServer(classifier Classifier, tiers TierSource, gate Gate, addr string, opts ...Option) *Server {
	s := &Server{
		classifier: classifier,
		tiers:      tiers,
		gate:       gate,
		addr:       addr,
		mux:        http.NewServeMux(),
		sseHub:     NewSSEHub(),
		logger:     logger.Component(nil, "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/tiers", s.tiersHandler())
	s.mux.HandleFunc("/api/classify", s.classifyHandler())
	s.mux.HandleFunc("/api/retrain", s.retrainHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.sseHub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
