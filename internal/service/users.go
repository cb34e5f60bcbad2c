package service

import (
	"context"
	"fmt"
	"time"

	"saassync/internal/domain"
	"saassync/internal/metrics"
	"saassync/internal/models"
)

// SynchronizeUsers handles one page of a users sync run. It re-emits itself
// with the next cursor until the directory is exhausted, then deletes every
// aggregator user not seen since the run started.
func (o *Orchestrator) SynchronizeUsers(ctx context.Context, data models.SyncRequestedData, sender domain.EventSender) (*SyncResult, error) {
	tenant, err := o.tenant(ctx, data.OrganisationID)
	if err != nil {
		return nil, err
	}

	if err := o.allow(ctx, data.OrganisationID); err != nil {
		return nil, err
	}

	cursor := ""
	if data.Page != nil {
		cursor = *data.Page
	}

	page, err := o.directory.ListUsers(ctx, tenant.AccessToken, cursor)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]models.AggregatorUser, 0, len(page.Results))
	for _, u := range page.Results {
		users = append(users, models.ToAggregatorUser(u))
	}

	client := o.aggregator.ForTenant(data.OrganisationID, data.Region)
	if err := client.UpsertUsers(ctx, users); err != nil {
		return nil, fmt.Errorf("update users: %w", err)
	}
	metrics.AddUsersSynced(len(users))

	log := o.logger.With().
		Str("organisation_id", data.OrganisationID).
		Bool("first_sync", data.IsFirstSync).
		Int("users", len(users)).
		Logger()

	if page.NextCursor != "" {
		next := data
		nextPage := page.NextCursor
		next.Page = &nextPage
		if err := sender.Send(ctx, models.Event{Name: models.EventUsersSyncRequested, Data: next}); err != nil {
			return nil, fmt.Errorf("send next page: %w", err)
		}
		log.Debug().Msg("users page synchronized")
		return &SyncResult{Status: models.SyncStatusOngoing}, nil
	}

	syncedBefore := time.UnixMilli(data.SyncStartedAt)
	if err := client.DeleteUsersSyncedBefore(ctx, syncedBefore); err != nil {
		return nil, fmt.Errorf("delete stale users: %w", err)
	}
	log.Info().Time("synced_before", syncedBefore).Msg("users sync completed")
	return &SyncResult{Status: models.SyncStatusCompleted}, nil
}

// ScheduleUsersSyncs starts a routine sync run for every known tenant.
func (o *Orchestrator) ScheduleUsersSyncs(ctx context.Context, sender domain.EventSender) (*ScheduleResult, error) {
	tenants, err := o.listTenants(ctx)
	if err != nil {
		return nil, err
	}

	if len(tenants) > 0 {
		startedAt := o.now().UnixMilli()
		evs := make([]models.Event, 0, len(tenants))
		for _, t := range tenants {
			evs = append(evs, models.Event{
				Name: models.EventUsersSyncRequested,
				Data: models.SyncRequestedData{
					OrganisationID: t.ID,
					Region:         t.Region,
					IsFirstSync:    false,
					SyncStartedAt:  startedAt,
				},
			})
		}
		if err := sender.Send(ctx, evs...); err != nil {
			return nil, fmt.Errorf("send users sync: %w", err)
		}
	}

	return &ScheduleResult{Organisations: tenants}, nil
}

func (o *Orchestrator) allow(ctx context.Context, tenantID string) error {
	if o.limiter == nil || o.rateLimit.Requests <= 0 {
		return nil
	}
	ok, err := o.limiter.Allow(ctx, "saas:"+tenantID, o.rateLimit.Requests, o.rateLimit.Window)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}
