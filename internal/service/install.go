package service

import (
	"context"
	"fmt"

	"saassync/internal/domain"
	"saassync/internal/events"
	"saassync/internal/models"
)

// SetupOrganisation completes an installation: it exchanges the code, stores
// the tenant and seeds the sync, token refresh and timezone loops. Nothing is
// written when the exchange fails.
func (o *Orchestrator) SetupOrganisation(ctx context.Context, organisationID, code, region string, sender domain.EventSender) error {
	ref := models.OrganisationData{OrganisationID: organisationID, Region: region}
	if err := models.Validate(ref); err != nil {
		return err
	}

	tokens, err := o.auth.ExchangeCode(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	timeZone, err := o.directory.GetTimeZone(ctx, tokens.AccessToken)
	if err != nil {
		return fmt.Errorf("get timezone: %w", err)
	}

	err = o.tenants.UpsertTenant(ctx, &models.Tenant{
		ID:           organisationID,
		Region:       region,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TimeZone:     timeZone,
	})
	if err != nil {
		return fmt.Errorf("save organisation: %w", err)
	}

	now := o.now()
	firstPage := ""
	err = sender.Send(ctx,
		models.Event{
			Name: models.EventUsersSyncRequested,
			Data: models.SyncRequestedData{
				OrganisationID: organisationID,
				Region:         region,
				IsFirstSync:    true,
				SyncStartedAt:  now.UnixMilli(),
				Page:           &firstPage,
			},
		},
		// retires any refresh chain left over from a previous install
		models.Event{Name: models.EventAppInstalled, Data: ref},
		models.Event{
			Name:       models.EventTokenRefreshRequested,
			Data:       ref,
			DispatchAt: refreshAt(now, tokens.ExpiresIn),
		},
		models.Event{Name: models.EventTimeZoneRefreshed, Data: ref},
	)
	if err != nil {
		return fmt.Errorf("schedule organisation loops: %w", err)
	}

	o.logger.Info().
		Str("organisation_id", organisationID).
		Str("region", region).
		Int("expires_in_minutes", tokens.ExpiresIn).
		Msg("organisation installed")

	if o.publisher != nil {
		if err := o.publisher.PublishJSON(events.EventTenantInstalled, events.TenantPayload{TenantID: organisationID, Region: region}); err != nil {
			o.logger.Warn().Err(err).Msg("failed to publish tenant installed")
		}
	}
	return nil
}

// Uninstall emits the uninstalled marker, which stops the tenant's token
// refresh chain. The tenant row is left in place.
func (o *Orchestrator) Uninstall(ctx context.Context, organisationID, region string, sender domain.EventSender) error {
	ref := models.OrganisationData{OrganisationID: organisationID, Region: region}
	if err := models.Validate(ref); err != nil {
		return err
	}
	if err := sender.Send(ctx, models.Event{Name: models.EventAppUninstalled, Data: ref}); err != nil {
		return fmt.Errorf("send uninstalled: %w", err)
	}
	o.logger.Info().Str("organisation_id", organisationID).Msg("organisation uninstalled")
	return nil
}
