package service

import (
	"context"
	"fmt"

	"saassync/internal/domain"
	"saassync/internal/models"
)

// RefreshToken rotates the tenant's tokens and schedules the next rotation.
func (o *Orchestrator) RefreshToken(ctx context.Context, data models.OrganisationData, sender domain.EventSender) error {
	tenant, err := o.tenant(ctx, data.OrganisationID)
	if err != nil {
		return err
	}

	tokens, err := o.auth.RefreshToken(ctx, tenant.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	if err := o.tenants.UpdateTenantTokens(ctx, data.OrganisationID, tokens.AccessToken, tokens.RefreshToken); err != nil {
		return notFound(data.OrganisationID, err)
	}

	next := refreshAt(o.now(), tokens.ExpiresIn)
	err = sender.Send(ctx, models.Event{
		Name:       models.EventTokenRefreshRequested,
		Data:       data,
		DispatchAt: next,
	})
	if err != nil {
		return fmt.Errorf("schedule next refresh: %w", err)
	}

	o.logger.Debug().
		Str("organisation_id", data.OrganisationID).
		Time("next_refresh_at", next).
		Msg("token refreshed")
	return nil
}
