package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"saassync/internal/config"
	"saassync/internal/domain"
	"saassync/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Installer is the part of the orchestrator the HTTP edge drives.
type Installer interface {
	SetupOrganisation(ctx context.Context, organisationID, code, region string, sender domain.EventSender) error
	Uninstall(ctx context.Context, organisationID, region string, sender domain.EventSender) error
}

// ConsentURLBuilder builds the SaaS authorization page URL for a tenant.
type ConsentURLBuilder interface {
	AuthCodeURL(state string) string
}

type Dependencies struct {
	Installer Installer
	Consent   ConsentURLBuilder
	Sender    domain.EventSender
}

// HTTPServer serves the install flow and the aggregator webhooks.
type HTTPServer struct {
	cfg        config.APIConfig
	aggregator config.AggregatorConfig
	deps       Dependencies
	limiter    *rateLimiter
	logger     *zerolog.Logger
	server     *http.Server
}

func NewHTTPServer(cfg *config.Config, deps Dependencies, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:        cfg.API,
		aggregator: cfg.Aggregator,
		deps:       deps,
		limiter:    newRateLimiter(cfg.API.RateLimit),
		logger:     logging.Component(logger, "http"),
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

// Handler returns the routed handler with middleware applied.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Get("/install", s.handleInstall)
		r.Get("/oauth/callback", s.handleCallback)
		r.Post("/webhooks/aggregator/app-uninstalled", s.handleUninstalled)
	})
	return r
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
