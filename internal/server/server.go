// Package server exposes the orchestrator over HTTP.
//
// An Echo router with graceful shutdown serves the run API, health and
// readiness probes, Prometheus metrics, and a streaming view of the
// per-run status event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodevd/internal/compaction"
	"github.com/fyrsmithlabs/autodevd/internal/config"
	"github.com/fyrsmithlabs/autodevd/internal/events"
	"github.com/fyrsmithlabs/autodevd/internal/governor"
	"github.com/fyrsmithlabs/autodevd/internal/logging"
	"github.com/fyrsmithlabs/autodevd/internal/pipeline"
	"github.com/fyrsmithlabs/autodevd/internal/store"
)

// Server is the HTTP front end over the pipeline controller.
type Server struct {
	config     *config.Config
	echo       *echo.Echo
	controller *pipeline.Controller
	store      store.Store
	bus        *events.Bus
	logger     *logging.Logger
	degraded   func() bool
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDegraded wires the health endpoint to a degradation probe, such
// as the telemetry provider's.
func WithDegraded(probe func() bool) Option {
	return func(s *Server) { s.degraded = probe }
}

// WithBus enables the event streaming endpoint.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// HealthResponse is the JSON body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// StartRunRequest is the JSON body for POST /v1/runs.
type StartRunRequest struct {
	Goal string `json:"goal"`
}

// StartRunResponse acknowledges an accepted run.
type StartRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunDetail is the JSON body for GET /v1/runs/:id.
type RunDetail struct {
	Run     *pipeline.Run               `json:"run"`
	Budget  governor.Snapshot           `json:"budget"`
	Summary *compaction.SummaryArtifact `json:"summary,omitempty"`
}

// RunList is the JSON body for GET /v1/runs.
type RunList struct {
	Active  []*pipeline.Run    `json:"active"`
	History []*store.RunRecord `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *config.Config, ctrl *pipeline.Controller, st store.Store, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if ctrl == nil {
		return nil, fmt.Errorf("controller required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		config:     cfg,
		echo:       e,
		controller: ctrl,
		store:      st,
		logger:     logging.NewNop(),
		degraded:   func() bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/invocations", s.handleListInvocations)
	v1.GET("/runs/:id/events", s.handleStreamEvents)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.GET("/stats", s.handleStats)
}

func (s *Server) handleHealth(c echo.Context) error {
	status := "ok"
	if s.degraded() {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Service: s.config.Observability.ServiceName,
	})
}

func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	handle, err := s.controller.StartRun(c.Request().Context(), req.Goal)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	s.logger.Info(c.Request().Context(), "run accepted", zap.String("run_id", handle.RunID))
	return c.JSON(http.StatusAccepted, StartRunResponse{
		RunID:  handle.RunID,
		Status: string(pipeline.RunPending),
	})
}

func (s *Server) handleListRuns(c echo.Context) error {
	history, err := s.controller.History(c.Request().Context(), s.config.Pipeline.HistoryLimit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to load run history"})
	}
	return c.JSON(http.StatusOK, RunList{
		Active:  s.controller.ActiveRuns(),
		History: history,
	})
}

func (s *Server) handleGetRun(c echo.Context) error {
	id := c.Param("id")
	run, budget, err := s.controller.GetRun(id)
	if err == nil {
		detail := RunDetail{Run: run, Budget: budget}
		if art, aerr := s.controller.Summary(id); aerr == nil {
			detail.Summary = art
		}
		return c.JSON(http.StatusOK, detail)
	}
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}

	// Not held in memory; fall back to the persisted record.
	if s.store != nil {
		rec, serr := s.store.GetRun(c.Request().Context(), id)
		if serr == nil {
			return c.JSON(http.StatusOK, rec)
		}
		if !errors.Is(serr, store.ErrNotFound) {
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: serr.Error()})
		}
	}
	return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
}

func (s *Server) handleListInvocations(c echo.Context) error {
	if s.store == nil {
		return c.JSON(http.StatusOK, []*store.InvocationRecord{})
	}
	invs, err := s.store.ListInvocations(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, invs)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	err := s.controller.Cancel(c.Param("id"))
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, pipeline.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	case errors.Is(err, pipeline.ErrRunTerminal):
		return c.JSON(http.StatusConflict, errorResponse{Error: "run already finished"})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

// handleStreamEvents tails the status stream as newline-delimited JSON
// until the client disconnects.
func (s *Server) handleStreamEvents(c echo.Context) error {
	if s.bus == nil {
		return c.JSON(http.StatusNotImplemented, errorResponse{Error: "event streaming not enabled"})
	}
	runID := c.Param("id")
	if _, _, err := s.controller.GetRun(runID); err != nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}

	ch, cancel := s.bus.Subscribe(64)
	defer cancel()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(resp)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.RunID != runID {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.controller.Stats())
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	errCh := make(chan error, 1)

	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.config.Server.ShutdownTimeout,
		)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}

// Echo returns the router for additional route registration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
