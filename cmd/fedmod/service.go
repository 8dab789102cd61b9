package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bluesky-social/fedmod/moderation"
	"github.com/bluesky-social/fedmod/moderation/settings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

type ServiceConfig struct {
	// HTTP basic auth password for /admin; the basic auth username is recorded as the moderator
	AdminPassword string
	BodyLimit     string

	// where HTTP request metrics are registered; prometheus default registry if nil
	MetricsRegisterer prometheus.Registerer
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		BodyLimit: "1M",
	}
}

type Service struct {
	logger   *slog.Logger
	engine   *moderation.Engine
	config   ServiceConfig
	echo     *echo.Echo
	httpd    *http.Server
	validate *validator.Validate
}

const actorContextKey = "actor"

func NewService(engine *moderation.Engine, config *ServiceConfig) (*Service, error) {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if config.AdminPassword == "" {
		return nil, fmt.Errorf("admin password must be configured")
	}

	logger := slog.Default().With("system", "fedmod")
	e := echo.New()
	e.HideBanner = true

	svc := &Service{
		logger:   logger,
		engine:   engine,
		config:   *config,
		echo:     e,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	e.HTTPErrorHandler = svc.errorHandler
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(moderation.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(slogecho.NewWithConfig(logger, slogecho.Config{
		WithRequestID: true,
	}))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("fedmod"))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "fedmod",
		Registerer: config.MetricsRegisterer,
	}))
	e.Use(middleware.BodyLimit(config.BodyLimit))

	e.GET("/_health", svc.HandleHealthCheck)
	e.GET("/api/v1/instance/domain_blocks", svc.handlePublicDomainBlocks)

	admin := e.Group("/admin", middleware.BasicAuth(svc.checkAdminAuth))

	admin.GET("/domain_blocks", svc.handleListDomainBlocks)
	admin.POST("/domain_blocks", svc.handleCreateDomainBlock)
	admin.GET("/domain_blocks/:domain", svc.handleGetDomainBlock)
	admin.PUT("/domain_blocks/:domain", svc.handleUpdateDomainBlock)
	admin.DELETE("/domain_blocks/:domain", svc.handleDeleteDomainBlock)
	admin.GET("/rules/:hostname", svc.handleGetRule)

	admin.GET("/accounts", svc.handleListAccounts)
	admin.POST("/accounts", svc.handleUpsertAccount)
	admin.GET("/accounts/:id", svc.handleGetAccount)
	admin.POST("/accounts/:id/suspend", svc.handleAccountAction(svc.engine.SuspendAccount))
	admin.POST("/accounts/:id/unsuspend", svc.handleAccountAction(svc.engine.UnsuspendAccount))
	admin.POST("/accounts/:id/silence", svc.handleAccountAction(svc.engine.SilenceAccount))
	admin.POST("/accounts/:id/unsilence", svc.handleAccountAction(svc.engine.UnsilenceAccount))
	admin.POST("/accounts/:id/reconcile", svc.handleAccountAction(svc.engine.ReconcileAccount))

	admin.GET("/fanout/jobs", svc.handleListJobs)
	admin.GET("/fanout/jobs/:id", svc.handleGetJob)
	admin.POST("/fanout/jobs/:id/replay", svc.handleReplayJob)
	admin.GET("/fanout/skipped", svc.handleListSkipped)

	admin.GET("/settings", svc.handleListSettings)
	admin.PUT("/settings/:key", svc.handleSetSetting)

	admin.GET("/audit", svc.handleListAudit)

	return svc, nil
}

func (s *Service) checkAdminAuth(username, password string, c echo.Context) (bool, error) {
	if username == "" {
		return false, nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.config.AdminPassword)) != 1 {
		return false, nil
	}
	c.Set(actorContextKey, username)
	return true, nil
}

func actorFromContext(c echo.Context) string {
	actor, _ := c.Get(actorContextKey).(string)
	return actor
}

func (s *Service) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.echo.ServeHTTP(rw, req)
}

func (s *Service) StartAPI(listen string) error {
	s.httpd = &http.Server{
		Addr:              listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Minute,
		MaxHeaderBytes:    1 << 20,
	}
	s.logger.Info("starting API server", "bind", listen)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) StartMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Service) Shutdown() []error {
	var errs []error
	if s.httpd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpd.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"msg,omitempty"`
}

func (s *Service) HandleHealthCheck(c echo.Context) error {
	if err := s.engine.Healthcheck(); err != nil {
		s.logger.Error("healthcheck can't connect to database", "err", err)
		return c.JSON(http.StatusInternalServerError, HealthStatus{Status: "error", Message: "can't connect to database"})
	}
	return c.JSON(http.StatusOK, HealthStatus{Status: "ok", Version: userAgent()})
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorStatus maps engine errors onto HTTP status codes
func errorStatus(err error) int {
	var he *echo.HTTPError
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.As(err, &verr),
		errors.Is(err, moderation.ErrInvalidSeverity),
		errors.Is(err, moderation.ErrInvalidDomain),
		errors.Is(err, moderation.ErrInvalidAccount),
		errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, settings.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(err, moderation.ErrDomainBlockNotFound),
		errors.Is(err, moderation.ErrAccountNotFound),
		errors.Is(err, moderation.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, moderation.ErrDuplicateDomain),
		errors.Is(err, moderation.ErrJobNotReplayable),
		errors.Is(err, settings.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, moderation.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := errorStatus(err)

	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	if code >= 500 {
		s.logger.Error("API handler error", "path", c.Path(), "err", err)
		// don't leak internal details
		msg = ""
	}

	if err := c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: msg}); err != nil {
		s.logger.Error("failed to write http error", "err", err)
	}
}
