package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/david/opportunity-oasis/internal/ai"
	"github.com/david/opportunity-oasis/internal/auth"
	"github.com/david/opportunity-oasis/internal/config"
	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/metrics"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/david/opportunity-oasis/internal/notify"
	"github.com/david/opportunity-oasis/internal/reminder"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpportunityStore is the persistence surface the handlers use. *db.Store
// implements it.
type OpportunityStore interface {
	Create(ctx context.Context, draft models.Draft) (*models.Opportunity, error)
	GetByID(ctx context.Context, id int64) (*models.Opportunity, error)
	List(ctx context.Context, params db.ListParams) (*db.ListResult, error)
	Update(ctx context.Context, id int64, patch models.Patch) (*models.Opportunity, error)
	Delete(ctx context.Context, id int64) (bool, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

type Extractor interface {
	Extract(ctx context.Context, dataURI string) (*ai.Extraction, error)
}

type ReminderRunner interface {
	Run(ctx context.Context) (*reminder.Result, error)
}

// Deps are the collaborators of the server. Sink and Composer may be nil, in
// which case no new-opportunity email is sent.
type Deps struct {
	Store     OpportunityStore
	Extractor Extractor
	Reminders ReminderRunner
	Gate      *auth.Gate
	Sink      notify.Sink
	Composer  *notify.Composer
	Logger    *zap.Logger
	// Ready reports whether the database is reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	echo      *echo.Echo
	store     OpportunityStore
	extractor Extractor
	reminders ReminderRunner
	gate      *auth.Gate
	sink      notify.Sink
	composer  *notify.Composer
	logger    *zap.Logger
	ready     func(ctx context.Context) error
	cfg       config.HTTPConfig

	// background notifications still in flight
	notifyWG sync.WaitGroup
}

func NewServer(deps Deps, cfg config.HTTPConfig) (*Server, error) {
	if deps.Store == nil || deps.Extractor == nil || deps.Reminders == nil || deps.Gate == nil {
		return nil, errors.New("store, extractor, reminders and gate are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	renderer, err := newRenderer()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = renderer
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(requestLogger(logger))
	e.Use(requestMetrics)
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
			AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			AllowCredentials: true,
		}))
	}

	s := &Server{
		echo:      e,
		store:     deps.Store,
		extractor: deps.Extractor,
		reminders: deps.Reminders,
		gate:      deps.Gate,
		sink:      deps.Sink,
		composer:  deps.Composer,
		logger:    logger,
		ready:     deps.Ready,
		cfg:       cfg,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Login attempts are throttled per client IP.
	loginLimiter := middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Every(6 * time.Second),
			Burst:     10,
			ExpiresIn: 10 * time.Minute,
		}),
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many login attempts. Please wait and try again."})
		},
	})

	s.echo.GET(auth.LoginPath, s.handleLoginPage, s.gate.RedirectIfAuthenticated)
	s.echo.POST(auth.LoginPath, s.handleLogin, loginLimiter)
	s.echo.POST("/logout", s.handleLogout)

	pages := s.echo.Group("", s.gate.RequirePage)
	pages.GET("/", s.handleListPage)
	pages.GET("/opportunity/:id", s.handleDetailPage)

	api := s.echo.Group("/api/v1", s.gate.RequireAPI)
	api.POST("/extract", s.handleExtract)
	api.GET("/opportunities", s.handleListOpportunities)
	api.POST("/opportunities", s.handleCreateOpportunity)
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.PATCH("/opportunities/:id", s.handleUpdateOpportunity)
	api.DELETE("/opportunities/:id", s.handleDeleteOpportunity)
	api.GET("/stats", s.handleGetStats)

	cron := s.echo.Group("/api/cron", s.gate.RequireCronSecret)
	cron.GET("/reminders", s.handleRunReminders)
	cron.POST("/reminders", s.handleRunReminders)
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) Start() error {
	err := s.echo.Start(":" + s.cfg.Port)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, drains in-flight ones and waits for
// pending notifications.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with notifications still pending")
	}
	return err
}

func (s *Server) handleHealth(c echo.Context) error {
	if s.ready != nil {
		if err := s.ready(c.Request().Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// respondError maps domain errors onto status codes. Messages of validation
// errors are shown verbatim; storage details never leave the server.
func (s *Server) respondError(c echo.Context, err error) error {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.Is(err, models.ErrEmptyPatch):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "No fields to update"})
	case errors.Is(err, db.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Opportunity not found"})
	case errors.Is(err, ai.ErrExtraction):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "AI processing failed. Please try again."})
	case errors.Is(err, context.Canceled):
		s.logger.Info("request cancelled", zap.String("path", c.Path()))
		return c.NoContent(499)
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return 0, &models.ValidationError{Field: "id", Message: "must be a positive integer"}
	}
	return id, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		metrics.HTTPRequests.WithLabelValues(c.Request().Method, route, fmt.Sprint(status)).Inc()
		metrics.HTTPDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
		return err
	}
}
