package domain

import (
	"context"
	"time"

	"saassync/internal/models"
)

// TenantRepository is the credential store. Implementations return
// models.ErrTenantNotFound for unknown ids.
type TenantRepository interface {
	UpsertTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]models.TenantRef, error)
	UpdateTenantTokens(ctx context.Context, id, accessToken, refreshToken string) error
	UpdateTenantTimeZone(ctx context.Context, id, timeZone string) error
}

type AuthClient interface {
	ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenSet, error)
	AuthCodeURL(state string) string
}

type DirectoryClient interface {
	GetTimeZone(ctx context.Context, accessToken string) (string, error)
	ListUsers(ctx context.Context, accessToken, cursor string) (*models.UsersPage, error)
}

type AggregatorClient interface {
	UpsertUsers(ctx context.Context, users []models.AggregatorUser) error
	DeleteUsersSyncedBefore(ctx context.Context, syncedBefore time.Time) error
}

// AggregatorFactory builds a client scoped to one tenant and its region.
type AggregatorFactory interface {
	ForTenant(tenantID, region string) AggregatorClient
}

type EventSender interface {
	Send(ctx context.Context, events ...models.Event) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
