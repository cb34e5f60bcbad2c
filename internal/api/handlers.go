package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"

	"saassync/internal/aggregator"
	"saassync/internal/models"
)

const (
	cookieOrganisationID = "organisation_id"
	cookieRegion         = "region"

	maxWebhookBody = 1 << 20
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleInstall stores the tenant in cookies and sends the user to the SaaS
// consent page. The tenant comes back as the OAuth state.
func (s *HTTPServer) handleInstall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := models.OrganisationData{
		OrganisationID: q.Get("organisation_id"),
		Region:         q.Get("region"),
	}
	if err := models.Validate(ref); err != nil {
		s.logger.Warn().Err(err).Str("request_id", requestIDFrom(r.Context())).Msg("invalid install request")
		s.redirectToAggregator(w, r, url.Values{"error": {"true"}})
		return
	}

	s.setCookie(w, r, cookieOrganisationID, ref.OrganisationID)
	s.setCookie(w, r, cookieRegion, ref.Region)
	http.Redirect(w, r, s.deps.Consent.AuthCodeURL(ref.OrganisationID), http.StatusTemporaryRedirect)
}

func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := s.logger.With().Str("request_id", requestIDFrom(r.Context())).Logger()

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	organisationID := cookieValue(r, cookieOrganisationID)
	region := cookieValue(r, cookieRegion)

	if code == "" || organisationID == "" || region == "" || state != organisationID {
		log.Warn().
			Bool("has_code", code != "").
			Bool("state_matches", state == organisationID).
			Msg("invalid oauth callback")
		s.redirectToAggregator(w, r, url.Values{"error": {"true"}})
		return
	}

	if err := s.deps.Installer.SetupOrganisation(r.Context(), organisationID, code, region, s.deps.Sender); err != nil {
		log.Error().Err(err).Str("organisation_id", organisationID).Msg("organisation setup failed")
		s.redirectToAggregator(w, r, url.Values{"error": {"true"}})
		return
	}

	s.redirectToAggregator(w, r, url.Values{
		"source_id": {s.aggregator.SourceID},
		"success":   {"true"},
	})
}

func (s *HTTPServer) handleUninstalled(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	signature := r.Header.Get(aggregator.SignatureHeader)
	if err := aggregator.ValidateSignature(s.aggregator.WebhookSecret, body, signature); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var data models.OrganisationData
	if err := models.DecodePayload(body, &data); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Installer.Uninstall(r.Context(), data.OrganisationID, data.Region, s.deps.Sender); err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Str("organisation_id", data.OrganisationID).Msg("uninstall failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *HTTPServer) redirectToAggregator(w http.ResponseWriter, r *http.Request, params url.Values) {
	target, err := url.Parse(s.aggregator.RedirectURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "invalid redirect url")
		return
	}
	q := target.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

func (s *HTTPServer) setCookie(w http.ResponseWriter, r *http.Request, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
