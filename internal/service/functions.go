package service

import (
	"context"
	"encoding/json"

	"saassync/internal/config"
	"saassync/internal/models"
	"saassync/internal/worker"
)

// Register binds the orchestrator handlers and cron triggers to the bus.
func (o *Orchestrator) Register(bus *worker.Bus, cfg *config.Config) error {
	functions := []worker.Function{
		{
			ID:       FunctionSynchronizeUsers,
			Trigger:  models.EventUsersSyncRequested,
			Retries:  defaultRetries,
			Priority: syncPriority,
			Handler: func(ctx context.Context, inv *worker.Invocation) (any, error) {
				var data models.SyncRequestedData
				if err := inv.Decode(&data); err != nil {
					return nil, err
				}
				return o.SynchronizeUsers(ctx, data, inv)
			},
		},
		{
			ID:       FunctionRefreshToken,
			Trigger:  models.EventTokenRefreshRequested,
			Retries:  cfg.TokenRefreshRetries(),
			CancelOn: []string{models.EventAppInstalled, models.EventAppUninstalled},
			Handler: func(ctx context.Context, inv *worker.Invocation) (any, error) {
				var data models.OrganisationData
				if err := inv.Decode(&data); err != nil {
					return nil, err
				}
				return nil, o.RefreshToken(ctx, data, inv)
			},
		},
		{
			ID:      FunctionRefreshTimeZone,
			Trigger: models.EventTimeZoneRefreshed,
			Retries: defaultRetries,
			Handler: func(ctx context.Context, inv *worker.Invocation) (any, error) {
				var data models.OrganisationData
				if err := inv.Decode(&data); err != nil {
					return nil, err
				}
				return nil, o.RefreshTimeZone(ctx, data)
			},
		},
	}
	for _, fn := range functions {
		if err := bus.Register(fn); err != nil {
			return err
		}
	}

	if err := bus.RegisterCron(FunctionScheduleUsersSyncs, cfg.Scheduler.UsersSyncCron, func(ctx context.Context) (any, error) {
		return o.ScheduleUsersSyncs(ctx, bus)
	}); err != nil {
		return err
	}
	return bus.RegisterCron(FunctionScheduleTimeZoneRefresh, cfg.Scheduler.TimeZoneRefreshCron, func(ctx context.Context) (any, error) {
		return o.ScheduleTimeZoneRefresh(ctx, bus)
	})
}

// syncPriority puts first syncs ahead of routine ones.
func syncPriority(payload json.RawMessage) int {
	var data struct {
		IsFirstSync bool `json:"isFirstSync"`
	}
	if err := json.Unmarshal(payload, &data); err == nil && data.IsFirstSync {
		return models.FirstSyncPriority
	}
	return models.RoutineSyncPriority
}
