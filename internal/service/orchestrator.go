package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"saassync/internal/config"
	"saassync/internal/domain"
	"saassync/internal/logging"
	"saassync/internal/models"
	"saassync/internal/worker"

	"github.com/rs/zerolog"
)

// Function ids registered on the bus.
const (
	FunctionSynchronizeUsers        = "synchronize-users"
	FunctionRefreshToken            = "refresh-saas-token"
	FunctionRefreshTimeZone         = "refresh-timezone"
	FunctionScheduleUsersSyncs      = "schedule-users-syncs"
	FunctionScheduleTimeZoneRefresh = "schedule-timezone-refresh"

	defaultRetries = 3
)

// ErrRateLimited is returned when the per-tenant SaaS budget is spent. It is
// retriable; the bus backs off and tries again.
var ErrRateLimited = errors.New("saas rate limit exceeded")

type Dependencies struct {
	Tenants    domain.TenantRepository
	Auth       domain.AuthClient
	Directory  domain.DirectoryClient
	Aggregator domain.AggregatorFactory
	// Limiter is optional. When nil or when RateLimit.Requests is zero, SaaS
	// calls are not throttled.
	Limiter   domain.RateLimiter
	RateLimit config.SaaSRateLimitConfig
	Publisher domain.EventPublisher
}

// Orchestrator owns the tenant lifecycle: install, token refresh, timezone
// refresh and the paginated users sync.
type Orchestrator struct {
	tenants    domain.TenantRepository
	auth       domain.AuthClient
	directory  domain.DirectoryClient
	aggregator domain.AggregatorFactory
	limiter    domain.RateLimiter
	rateLimit  config.SaaSRateLimitConfig
	publisher  domain.EventPublisher
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewOrchestrator(deps Dependencies, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		tenants:    deps.Tenants,
		auth:       deps.Auth,
		directory:  deps.Directory,
		aggregator: deps.Aggregator,
		limiter:    deps.Limiter,
		rateLimit:  deps.RateLimit,
		publisher:  deps.Publisher,
		logger:     logging.Component(logger, "orchestrator"),
		now:        time.Now,
	}
}

// ScheduleResult is returned by the cron triggers.
type ScheduleResult struct {
	Organisations []models.TenantRef `json:"organisations"`
}

// SyncResult is returned by each users sync invocation.
type SyncResult struct {
	Status string `json:"status"`
}

// tenant loads the tenant row. A missing row means the tenant was uninstalled
// and the chain must stop.
func (o *Orchestrator) tenant(ctx context.Context, id string) (*models.Tenant, error) {
	tenant, err := o.tenants.GetTenant(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return tenant, nil
}

// refreshAt is when the next token refresh is due: a few minutes before the
// token expires.
func refreshAt(now time.Time, expiresInMinutes int) time.Time {
	return now.Add(time.Duration(expiresInMinutes-models.TokenRefreshLeadMinutes) * time.Minute)
}

func notFound(id string, err error) error {
	if errors.Is(err, models.ErrTenantNotFound) {
		return worker.NonRetriable(fmt.Errorf("could not retrieve organisation with id=%s: %w", id, err))
	}
	return err
}
