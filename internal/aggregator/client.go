package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"saassync/internal/config"
	"saassync/internal/domain"
	"saassync/internal/models"
)

// RegionPlaceholder in the configured base URL is replaced by the tenant region.
const RegionPlaceholder = "{region}"

// Error is returned for non-2xx aggregator responses.
type Error struct {
	Op         string
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("aggregator: %s: unexpected status %d", e.Op, e.StatusCode)
}

// Factory hands out per-tenant clients sharing one HTTP client.
type Factory struct {
	cfg        config.AggregatorConfig
	httpClient *http.Client
}

func NewFactory(cfg config.AggregatorConfig, httpClient *http.Client) *Factory {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Factory{cfg: cfg, httpClient: httpClient}
}

func (f *Factory) ForTenant(tenantID, region string) domain.AggregatorClient {
	return &Client{
		baseURL:        strings.ReplaceAll(f.cfg.APIBaseURL, RegionPlaceholder, region),
		apiKey:         f.cfg.APIKey,
		sourceID:       f.cfg.SourceID,
		organisationID: tenantID,
		region:         region,
		httpClient:     f.httpClient,
	}
}

// Client talks to the aggregator on behalf of one tenant.
type Client struct {
	baseURL        string
	apiKey         string
	sourceID       string
	organisationID string
	region         string
	httpClient     *http.Client
}

type usersUpdateRequest struct {
	OrganisationID string                  `json:"organisationId"`
	SourceID       string                  `json:"sourceId"`
	Users          []models.AggregatorUser `json:"users"`
}

type usersDeleteRequest struct {
	OrganisationID string `json:"organisationId"`
	SourceID       string `json:"sourceId"`
	SyncedBefore   string `json:"syncedBefore"`
}

func (c *Client) UpsertUsers(ctx context.Context, users []models.AggregatorUser) error {
	if users == nil {
		users = []models.AggregatorUser{}
	}
	return c.do(ctx, "update users", http.MethodPost, usersUpdateRequest{
		OrganisationID: c.organisationID,
		SourceID:       c.sourceID,
		Users:          users,
	})
}

// DeleteUsersSyncedBefore removes every user of the tenant not refreshed since
// syncedBefore.
func (c *Client) DeleteUsersSyncedBefore(ctx context.Context, syncedBefore time.Time) error {
	return c.do(ctx, "delete users", http.MethodDelete, usersDeleteRequest{
		OrganisationID: c.organisationID,
		SourceID:       c.sourceID,
		SyncedBefore:   syncedBefore.UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) do(ctx context.Context, op, method string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("aggregator: %s: marshal: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/users", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("aggregator: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Elba-Region", c.region)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aggregator: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &Error{Op: op, StatusCode: resp.StatusCode, Body: respBody}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
