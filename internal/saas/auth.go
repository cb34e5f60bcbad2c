package saas

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"saassync/internal/config"
	"saassync/internal/models"

	"golang.org/x/oauth2"
)

// AuthClient performs the OAuth authorization-code and refresh-token grants
// against the SaaS token endpoint.
type AuthClient struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

func NewAuthClient(cfg config.SaaSConfig, httpClient *http.Client) *AuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &AuthClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimRight(cfg.AppInstallURL, "/") + "/oauth_authorize",
				TokenURL:  cfg.APIBaseURL + "oauth/v1/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		now:        time.Now,
	}
}

// AuthCodeURL is the consent page the install route redirects to. The tenant
// id travels as state.
func (c *AuthClient) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

func (c *AuthClient) ExchangeCode(ctx context.Context, code string) (*models.TokenSet, error) {
	tok, err := c.oauth.Exchange(c.withClient(ctx), code)
	if err != nil {
		return nil, fromOAuth("exchange code", err)
	}
	return c.tokenSet(tok)
}

func (c *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenSet, error) {
	src := c.oauth.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fromOAuth("refresh token", err)
	}
	return c.tokenSet(tok)
}

func (c *AuthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// tokenSet converts the lifetime to whole minutes, the unit used for all
// refresh scheduling.
func (c *AuthClient) tokenSet(tok *oauth2.Token) (*models.TokenSet, error) {
	if tok.AccessToken == "" {
		return nil, errors.New("saas: token response without access_token")
	}
	seconds := tok.ExpiresIn
	if seconds <= 0 && !tok.Expiry.IsZero() {
		seconds = int64(tok.Expiry.Sub(c.now()).Round(time.Second) / time.Second)
	}
	return &models.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    int(seconds / 60),
	}, nil
}
