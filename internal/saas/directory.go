package saas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"saassync/internal/config"
	"saassync/internal/models"
)

// DirectoryClient reads account details and the owners directory.
type DirectoryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewDirectoryClient(cfg config.SaaSConfig, httpClient *http.Client) *DirectoryClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &DirectoryClient{baseURL: cfg.APIBaseURL, httpClient: httpClient}
}

type accountDetails struct {
	PortalID json.Number `json:"portalId"`
	TimeZone string      `json:"timeZone"`
}

type ownersResponse struct {
	Results []models.SaaSUser `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
			Link  string `json:"link"`
		} `json:"next"`
	} `json:"paging"`
}

func (c *DirectoryClient) GetTimeZone(ctx context.Context, accessToken string) (string, error) {
	var details accountDetails
	if err := c.get(ctx, "get account details", "account-info/v3/details", accessToken, &details); err != nil {
		return "", err
	}
	return details.TimeZone, nil
}

// ListUsers fetches one page of owners. An empty cursor starts from the
// beginning.
func (c *DirectoryClient) ListUsers(ctx context.Context, accessToken, cursor string) (*models.UsersPage, error) {
	query := url.Values{}
	query.Set("idProperty", "userId")
	query.Set("archived", "false")
	query.Set("limit", strconv.Itoa(models.UsersPageSize))
	if cursor != "" {
		query.Set("after", cursor)
	}

	var resp ownersResponse
	if err := c.get(ctx, "list users", "crm/v3/owners/?"+query.Encode(), accessToken, &resp); err != nil {
		return nil, err
	}

	page := &models.UsersPage{Results: resp.Results}
	if page.Results == nil {
		page.Results = []models.SaaSUser{}
	}
	if resp.Paging != nil && resp.Paging.Next != nil {
		page.NextCursor = resp.Paging.Next.After
	}
	return page, nil
}

func (c *DirectoryClient) get(ctx context.Context, op, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("saas: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("saas: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("saas: %s: decode response: %w", op, err)
	}
	return nil
}
