package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"saassync/internal/database"
	"saassync/internal/domain"
	"saassync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	orgID      = "45a76301-f1dd-4a77-b12f-9d7d3fca3c90"
	otherOrgID = "00000000-0000-0000-0000-000000000002"
	region     = "eu"
)

var errUpstream = errors.New("upstream unavailable")

type fakeAuth struct {
	mu            sync.Mutex
	tokens        *models.TokenSet
	err           error
	exchangeCalls int
	refreshCalls  int
	lastRefresh   string
}

func (f *fakeAuth) ExchangeCode(_ context.Context, _ string) (*models.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	if f.err != nil {
		return nil, f.err
	}
	tokens := *f.tokens
	return &tokens, nil
}

func (f *fakeAuth) RefreshToken(_ context.Context, refreshToken string) (*models.TokenSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastRefresh = refreshToken
	if f.err != nil {
		return nil, f.err
	}
	tokens := *f.tokens
	return &tokens, nil
}

func (f *fakeAuth) AuthCodeURL(state string) string {
	return "https://app.example.com/oauth_authorize?state=" + state
}

type fakeDirectory struct {
	mu        sync.Mutex
	timeZone  string
	pages     map[string]*models.UsersPage
	err       error
	listCalls []string
	tzCalls   int
}

func (f *fakeDirectory) GetTimeZone(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tzCalls++
	if f.err != nil {
		return "", f.err
	}
	return f.timeZone, nil
}

func (f *fakeDirectory) ListUsers(_ context.Context, _ string, cursor string) (*models.UsersPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, cursor)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return &models.UsersPage{Results: []models.SaaSUser{}}, nil
	}
	return page, nil
}

type fakeAggregator struct {
	mu      sync.Mutex
	tenants []string
	upserts [][]models.AggregatorUser
	deletes []time.Time
}

func (f *fakeAggregator) ForTenant(tenantID, region string) domain.AggregatorClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, tenantID+"/"+region)
	return &fakeAggregatorClient{parent: f}
}

type fakeAggregatorClient struct {
	parent *fakeAggregator
}

func (c *fakeAggregatorClient) UpsertUsers(_ context.Context, users []models.AggregatorUser) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.parent.upserts = append(c.parent.upserts, users)
	return nil
}

func (c *fakeAggregatorClient) DeleteUsersSyncedBefore(_ context.Context, syncedBefore time.Time) error {
	c.parent.mu.Lock()
	defer c.parent.mu.Unlock()
	c.parent.deletes = append(c.parent.deletes, syncedBefore)
	return nil
}

type recordingSender struct {
	events []models.Event
}

func (s *recordingSender) Send(_ context.Context, evs ...models.Event) error {
	s.events = append(s.events, evs...)
	return nil
}

type fixture struct {
	db         *database.DB
	auth       *fakeAuth
	directory  *fakeDirectory
	aggregator *fakeAggregator
	sender     *recordingSender
	orch       *Orchestrator
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:         db,
		auth:       &fakeAuth{tokens: &models.TokenSet{AccessToken: "access-token", RefreshToken: "refresh-token", ExpiresIn: 60}},
		directory:  &fakeDirectory{timeZone: "Europe/Paris", pages: map[string]*models.UsersPage{}},
		aggregator: &fakeAggregator{},
		sender:     &recordingSender{},
		now:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.orch = NewOrchestrator(Dependencies{
		Tenants:    db,
		Auth:       f.auth,
		Directory:  f.directory,
		Aggregator: f.aggregator,
	}, &logger)
	f.orch.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) seedTenant(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.db.UpsertTenant(context.Background(), &models.Tenant{
		ID:           id,
		Region:       region,
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		TimeZone:     "UTC",
	}))
}
