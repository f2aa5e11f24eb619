// Package api serves the decision engine over HTTP.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/model"
)

// Service is the part of the engine exposed over HTTP.
type Service interface {
	Classify(ctx context.Context, req model.ClassifyRequest) (model.Decision, error)
	Correct(ctx context.Context, req model.CorrectionRequest) (model.CorrectionResult, error)
	Counterfactual(ctx context.Context, req model.CounterfactualRequest) (model.CounterfactualResult, error)
	ReplayEvidence(ctx context.Context, transactionID string) (model.Evidence, error)
}

var _ Service = (*engine.Engine)(nil)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	service Service
	logger  *slog.Logger
	config  Config
}

// NewServer creates a server for service.
func NewServer(service Service, logger *slog.Logger, cfg Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	logger = common.LoggerOrDefault(logger)
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogRoutePath: true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		// Errors are rendered before logging so the status is the one sent.
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"path", v.RoutePath,
				"status", v.Status,
				"duration", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			logger.Info("http request", attrs...)
			return nil
		},
	}))

	s := &Server{
		echo:    e,
		service: service,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/classify", s.handleClassify)
	v1.POST("/correct", s.handleCorrect)
	v1.POST("/counterfactual", s.handleCounterfactual)
	v1.GET("/transactions/:id/evidence", s.handleEvidence)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// CounterfactualResponse is the response body for POST /api/v1/counterfactual.
type CounterfactualResponse struct {
	OriginalCategory string   `json:"original_category"`
	NewCategory      string   `json:"new_category"`
	AnalysisSummary  string   `json:"analysis_summary"`
	TriggerWords     []string `json:"trigger_words"`
	Changed          bool     `json:"changed"`
}

// EvidenceResponse is the response body for GET /api/v1/transactions/:id/evidence.
type EvidenceResponse struct {
	TransactionID string         `json:"transaction_id"`
	Evidence      model.Evidence `json:"evidence"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleClassify(c echo.Context) error {
	var req model.ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := s.service.Classify(c.Request().Context(), req)
	switch {
	case errors.Is(err, engine.ErrEmptyDescription):
		return echo.NewHTTPError(http.StatusBadRequest, "description field is required")
	case err != nil:
		s.logger.Error("classification not persisted", "transaction_id", d.TransactionID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "classification could not be stored")
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleCorrect(c echo.Context) error {
	var req model.CorrectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TransactionID == "" || req.CorrectedCategory == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transaction_id and corrected_category are required")
	}

	res, err := s.service.Correct(c.Request().Context(), req)
	if err != nil {
		return c.JSON(statusFor(err), res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCounterfactual(c echo.Context) error {
	var req model.CounterfactualRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.service.Counterfactual(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, CounterfactualResponse{
		OriginalCategory: res.OriginalCategory,
		NewCategory:      res.NewCategory,
		AnalysisSummary:  res.AnalysisSummary,
		TriggerWords:     res.TriggerWords,
		Changed:          res.Changed,
	})
}

func (s *Server) handleEvidence(c echo.Context) error {
	id := c.Param("id")
	ev, err := s.service.ReplayEvidence(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, EvidenceResponse{TransactionID: id, Evidence: ev})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrAlreadyCorrected):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidCategory),
		errors.Is(err, engine.ErrEmptyDescription),
		errors.Is(err, engine.ErrEmptyModifier):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", "addr", addr)
	return s.echo.Start(addr)
}

// StartTLS serves HTTPS with cert.
func (s *Server) StartTLS(cert tls.Certificate) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting https server", "addr", addr)
	s.echo.TLSServer.Addr = addr
	s.echo.TLSServer.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return s.echo.StartServer(s.echo.TLSServer)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
