package api

import (
	"context"
	"net/http"

	"saassync/internal/logging"
	"saassync/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// FailedEventLister lists queue rows that exhausted their retries.
type FailedEventLister interface {
	GetFailedEvents(ctx context.Context) ([]models.QueuedEvent, error)
}

type failedEventsResponse struct {
	Count  int                  `json:"count"`
	Events []models.QueuedEvent `json:"events"`
}

// AdminHandler serves read-only queue inspection. It carries tenant ids and
// belongs on the internal monitoring port, not the public listener.
func AdminHandler(store FailedEventLister, logger *zerolog.Logger) http.Handler {
	log := logging.Component(logger, "admin")

	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/admin/events/failed", func(w http.ResponseWriter, r *http.Request) {
		failed, err := store.GetFailedEvents(r.Context())
		if err != nil {
			log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("list failed events")
			writeError(w, http.StatusInternalServerError, "failed to list events")
			return
		}

		tenantID := r.URL.Query().Get("organisation_id")
		resp := failedEventsResponse{Events: make([]models.QueuedEvent, 0, len(failed))}
		for _, ev := range failed {
			if tenantID != "" && ev.TenantID != tenantID {
				continue
			}
			resp.Events = append(resp.Events, ev)
		}
		resp.Count = len(resp.Events)
		writeJSON(w, http.StatusOK, resp)
	})
	return r
}
