package service

import (
	"context"
	"fmt"

	"saassync/internal/domain"
	"saassync/internal/models"
)

func (o *Orchestrator) RefreshTimeZone(ctx context.Context, data models.OrganisationData) error {
	tenant, err := o.tenant(ctx, data.OrganisationID)
	if err != nil {
		return err
	}

	timeZone, err := o.directory.GetTimeZone(ctx, tenant.AccessToken)
	if err != nil {
		return fmt.Errorf("get timezone: %w", err)
	}

	if err := o.tenants.UpdateTenantTimeZone(ctx, data.OrganisationID, timeZone); err != nil {
		return notFound(data.OrganisationID, err)
	}
	return nil
}

// ScheduleTimeZoneRefresh fans out one timezone refresh per known tenant.
func (o *Orchestrator) ScheduleTimeZoneRefresh(ctx context.Context, sender domain.EventSender) (*ScheduleResult, error) {
	tenants, err := o.listTenants(ctx)
	if err != nil {
		return nil, err
	}

	if len(tenants) > 0 {
		evs := make([]models.Event, 0, len(tenants))
		for _, t := range tenants {
			evs = append(evs, models.Event{
				Name: models.EventTimeZoneRefreshed,
				Data: models.OrganisationData{OrganisationID: t.ID, Region: t.Region},
			})
		}
		if err := sender.Send(ctx, evs...); err != nil {
			return nil, fmt.Errorf("send timezone refresh: %w", err)
		}
	}

	return &ScheduleResult{Organisations: tenants}, nil
}

func (o *Orchestrator) listTenants(ctx context.Context) ([]models.TenantRef, error) {
	tenants, err := o.tenants.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organisations: %w", err)
	}
	if tenants == nil {
		tenants = []models.TenantRef{}
	}
	return tenants, nil
}
