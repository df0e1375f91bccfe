// Package server exposes the engine over a small authenticated HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/scranton_wheel/internal/broker"
	"github.com/eddiefleurent/scranton_wheel/internal/config"
	"github.com/eddiefleurent/scranton_wheel/internal/engine"
	"github.com/eddiefleurent/scranton_wheel/internal/metrics"
)

const defaultRequestTimeout = 5 * time.Minute

// Engine is the set of operations the server drives.
type Engine interface {
	Scan(ctx context.Context) (*engine.ScanSummary, error)
	Run(ctx context.Context) (*engine.RunSummary, error)
	Monitor(ctx context.Context) (*engine.MonitorSummary, error)
	Reconcile(ctx context.Context) (*engine.ReconcileSummary, error)
	Audit(ctx context.Context) (*engine.AuditReport, error)
	Status() engine.Status
	Account(ctx context.Context) (*broker.Account, error)
	Positions(ctx context.Context) ([]broker.Position, error)
	Config() config.Config
	Wheel() engine.WheelView
}

// Config holds the listener settings.
type Config struct {
	Location       *time.Location
	AuthToken      string
	Port           int
	RequestTimeout time.Duration
}

// Response is the JSON envelope returned by every endpoint.
type Response struct {
	Timestamp time.Time `json:"timestamp"`
	Results   any       `json:"results,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    Engine
	logger    logrus.FieldLogger
	loc       *time.Location
	now       func() time.Time
	authToken string
	port      int
}

func NewServer(cfg Config, eng Engine, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		logger:    logger.WithField("component", "server"),
		loc:       cfg.Location,
		now:       time.Now,
		authToken: cfg.AuthToken,
		port:      cfg.Port,
	}

	s.setupRoutes(cfg.RequestTimeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(s.recoverer)
	s.router.Use(middleware.Timeout(timeout))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/account", s.handleAccount)
	s.router.Get("/positions", s.handlePositions)
	s.router.Get("/config", s.handleConfig)
	s.router.Get("/wheel", s.handleWheel)
	s.router.Get("/audit", s.handleAudit)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Post("/scan", s.handleScan)
	s.router.Post("/run", s.handleRun)
	s.router.Post("/monitor", s.handleMonitor)
	s.router.Post("/reconcile", s.handleReconcile)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, Response{Message: "unauthorized", Error: "missing or invalid auth token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("Request handled")
	})
}

// recoverer turns a handler panic into a 500 envelope.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Handler panicked")
				s.writeJSON(w, http.StatusInternalServerError, Response{
					Message: "internal error",
					Error:   fmt.Sprintf("%v", rec),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting control server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp Response) {
	if resp.Timestamp.IsZero() {
		resp.Timestamp = s.now().UTC()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// respond writes results on success and a 500 envelope carrying err otherwise.
func (s *Server) respond(w http.ResponseWriter, op, message string, results any, err error) {
	if err != nil {
		s.logger.WithError(err).WithField("operation", op).Error("Request failed")
		s.writeJSON(w, http.StatusInternalServerError, Response{
			Message: op + " failed",
			Results: results,
			Error:   err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Message: message, Results: results})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	market := "closed"
	if isMarketOpen(s.now(), s.loc) {
		market = "open"
	}
	s.writeJSON(w, http.StatusOK, Response{
		Message: "healthy",
		Results: map[string]string{"market": market},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Message: "status", Results: s.engine.Status()})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.Account(r.Context())
	s.respond(w, "account", "account", acct, err)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context())
	s.respond(w, "positions", fmt.Sprintf("%d positions", len(positions)), positions, err)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Message: "config", Results: s.engine.Config()})
}

func (s *Server) handleWheel(w http.ResponseWriter, _ *http.Request) {
	view := s.engine.Wheel()
	s.writeJSON(w, http.StatusOK, Response{
		Message: fmt.Sprintf("%d symbols, %d completed cycles", len(view.States), len(view.Cycles)),
		Results: view,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Audit(r.Context())
	msg := ""
	if report != nil {
		msg = fmt.Sprintf("%d drifts", len(report.Drifts))
	}
	s.respond(w, "audit", msg, report, err)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Scan(r.Context())
	msg := ""
	if summary != nil {
		msg = fmt.Sprintf("%d puts and %d calls saved to batch %s", summary.Puts, summary.Calls, summary.BatchID)
	}
	s.respond(w, "scan", msg, summary, err)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Run(r.Context())
	msg := ""
	if summary != nil {
		msg = summary.Message
	}
	s.respond(w, "run", msg, summary, err)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Monitor(r.Context())
	msg := ""
	if summary != nil {
		msg = fmt.Sprintf("%d positions checked, %d closed", len(summary.Decisions), summary.Closed)
	}
	s.respond(w, "monitor", msg, summary, err)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Reconcile(r.Context())
	msg := ""
	if summary != nil {
		msg = fmt.Sprintf("%d wheel events", len(summary.Events))
	}
	s.respond(w, "reconcile", msg, summary, err)
}

// isMarketOpen reports regular trading hours, 9:30 to 16:00 on weekdays in loc.
// Exchange holidays are not modelled.
func isMarketOpen(now time.Time, loc *time.Location) bool {
	t := now.In(loc)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}

	totalMinutes := t.Hour()*60 + t.Minute()
	marketOpen := 9*60 + 30
	marketClose := 16 * 60

	return totalMinutes >= marketOpen && totalMinutes < marketClose
}
