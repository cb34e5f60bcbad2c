package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"saassync/internal/database"
	"saassync/internal/domain"
	"saassync/internal/events"
	"saassync/internal/models"
	"saassync/internal/saas"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tenantA = "45a76301-f1dd-4a77-b12f-9d7d3fca3c90"
	tenantB = "1b8d1f3c-79b4-4c3f-9b7f-1f2c2a0c4e11"

	testEvent    = "test/work.requested"
	testMarker   = "test/app.installed"
	testFollowUp = "test/work.followup"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestBus(t *testing.T, redisClient *redis.Client, publisher *events.EventBus) (*Bus, *database.DB) {
	t.Helper()
	db := newTestDB(t)
	opts := Options{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		LeaseTimeout: time.Minute,
		Retry:        RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		KeyPrefix:    "test",
	}
	var pub domain.EventPublisher
	if publisher != nil {
		pub = publisher
	}
	bus := NewBus(db, redisClient, pub, opts, nil)
	return bus, db
}

func orgData(tenantID string) models.OrganisationData {
	return models.OrganisationData{OrganisationID: tenantID, Region: "eu"}
}

func listEvents(t *testing.T, db *database.DB, name string) []models.QueuedEvent {
	t.Helper()
	evs, err := db.ListEvents(context.Background(), database.EventFilter{Name: name})
	require.NoError(t, err)
	return evs
}

func TestBus_CompletesAndCommitsFollowUps(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	followAt := time.Now().Add(time.Hour)

	var calls int
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 3,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			calls++
			var data models.OrganisationData
			if err := inv.Decode(&data); err != nil {
				return nil, err
			}
			assert.Equal(t, 1, inv.Attempt)
			_ = inv.Send(ctx, models.Event{Name: testFollowUp, Data: data, DispatchAt: followAt})
			return map[string]string{"status": "done"}, nil
		},
	}))

	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 1, calls)

	rows := listEvents(t, db, testEvent)
	require.Len(t, rows, 1)
	assert.Equal(t, models.EventStatusCompleted, rows[0].Status)
	require.NotNil(t, rows[0].Result)
	assert.JSONEq(t, `{"status":"done"}`, *rows[0].Result)

	follow := listEvents(t, db, testFollowUp)
	require.Len(t, follow, 1)
	assert.Equal(t, tenantA, follow[0].TenantID)
	assert.Equal(t, followAt.UnixMilli(), follow[0].DispatchAt.UnixMilli())
	// nobody handles the follow-up, so it is stored as a marker
	assert.Equal(t, models.EventStatusCompleted, follow[0].Status)

	processed, err = bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestBus_SendRejectsPayloadWithoutTenant(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)

	err := bus.Send(context.Background(),
		models.Event{Name: testEvent, Data: orgData(tenantA)},
		models.Event{Name: testEvent, Data: map[string]string{"region": "eu"}},
	)
	require.Error(t, err)
	assert.Empty(t, listEvents(t, db, testEvent), "batch is all-or-nothing")
}

func TestBus_NonRetriableFailsImmediately(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	publisher := events.NewEventBus()
	var failed []events.RunPayload
	publisher.Subscribe(events.EventRunFailed, func(e *events.Event) error {
		var p events.RunPayload
		require.NoError(t, e.Decode(&p))
		failed = append(failed, p)
		return nil
	})

	bus, db := newTestBus(t, client, publisher)
	ctx := context.Background()

	var calls int
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 5,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			calls++
			_ = inv.Send(ctx, models.Event{Name: testFollowUp, Data: orgData(tenantA)})
			return nil, NonRetriable(models.ErrTenantNotFound)
		},
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Equal(t, 1, calls)

	rows := listEvents(t, db, testEvent)
	require.Len(t, rows, 1)
	assert.Equal(t, models.EventStatusFailed, rows[0].Status)
	assert.Empty(t, listEvents(t, db, testFollowUp), "follow-ups of a failed run are dropped")

	require.Len(t, failed, 1)
	assert.Equal(t, "work", failed[0].Function)
	assert.True(t, failed[0].DeadLetter)

	letters, err := client.LRange(ctx, "test:deadletter", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	var letter map[string]any
	require.NoError(t, json.Unmarshal([]byte(letters[0]), &letter))
	assert.Equal(t, models.ErrTenantNotFound.Error(), letter["error"])
	assert.Equal(t, tenantA, letter["tenant_id"])
}

func TestBus_RetriesUntilBudgetExhausted(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	now := time.Now().Add(time.Second)
	bus.now = func() time.Time { return now }

	var calls int
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 2,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			calls++
			return nil, errors.New("upstream 503")
		},
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := bus.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed, "attempt %d", attempt)

		row := listEvents(t, db, testEvent)[0]
		assert.Equal(t, attempt, row.Attempt)
		if attempt < 3 {
			assert.Equal(t, models.EventStatusRetry, row.Status)
			expected := now.Add(bus.opts.Retry.NextDelay(attempt))
			assert.Equal(t, expected.UnixMilli(), row.DispatchAt.UnixMilli())

			processed, err = bus.ProcessNext(ctx)
			require.NoError(t, err)
			assert.False(t, processed, "retry must wait for its backoff")
			now = now.Add(time.Hour)
		} else {
			assert.Equal(t, models.EventStatusFailed, row.Status)
			require.NotNil(t, row.LastError)
			assert.Equal(t, "upstream 503", *row.LastError)
		}
	}
	assert.Equal(t, 3, calls)
}

func TestBus_LogsUpstreamErrorKind(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantField string
	}{
		{
			name:      "server error is temporary",
			err:       fmt.Errorf("list users: %w", &saas.Error{Op: "list users", StatusCode: 503}),
			wantField: `"upstream_temporary":true`,
		},
		{
			name:      "rejected grant is permanent",
			err:       NonRetriable(&saas.Error{Op: "refresh token", StatusCode: 400}),
			wantField: `"upstream_temporary":false`,
		},
		{
			name: "local error carries no upstream kind",
			err:  errors.New("decode payload"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			bus := NewBus(newTestDB(t), nil, nil, Options{LeaseTimeout: time.Minute}, &logger)
			ctx := context.Background()
			require.NoError(t, bus.Register(Function{
				ID:      "work",
				Trigger: testEvent,
				Retries: 1,
				Handler: func(ctx context.Context, inv *Invocation) (any, error) { return nil, tt.err },
			}))
			require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

			processed, err := bus.ProcessNext(ctx)
			require.NoError(t, err)
			require.True(t, processed)

			out := buf.String()
			assert.Contains(t, out, "function run finished")
			if tt.wantField != "" {
				assert.Contains(t, out, tt.wantField)
			} else {
				assert.NotContains(t, out, "upstream_temporary")
			}
		})
	}
}

func TestBus_PanicIsRetriable(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 1,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			panic("nil map")
		},
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	row := listEvents(t, db, testEvent)[0]
	assert.Equal(t, models.EventStatusRetry, row.Status)
	assert.Contains(t, *row.LastError, "handler panic")
}

func TestBus_InvalidPayloadIsNonRetriable(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 3,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			var data models.SyncRequestedData
			return nil, inv.Decode(&data)
		},
	}))
	// syncStartedAt missing
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	_, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusFailed, listEvents(t, db, testEvent)[0].Status)
}

func TestBus_PriorityOrdersClaims(t *testing.T) {
	bus, _ := newTestBus(t, nil, nil)
	ctx := context.Background()

	var order []bool
	require.NoError(t, bus.Register(Function{
		ID:      "sync",
		Trigger: testEvent,
		Priority: func(payload json.RawMessage) int {
			var data models.SyncRequestedData
			_ = json.Unmarshal(payload, &data)
			if data.IsFirstSync {
				return models.FirstSyncPriority
			}
			return models.RoutineSyncPriority
		},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			var data models.SyncRequestedData
			_ = json.Unmarshal(inv.Event.Payload, &data)
			order = append(order, data.IsFirstSync)
			return nil, nil
		},
	}))

	started := time.Now().UnixMilli()
	require.NoError(t, bus.Send(ctx,
		models.Event{Name: testEvent, Data: models.SyncRequestedData{OrganisationID: tenantA, Region: "eu", SyncStartedAt: started}},
		models.Event{Name: testEvent, Data: models.SyncRequestedData{OrganisationID: tenantB, Region: "eu", SyncStartedAt: started, IsFirstSync: true}},
	))

	for i := 0; i < 2; i++ {
		_, err := bus.ProcessNext(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, order)
}

func TestBus_MarkerCancelsPendingRuns(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, bus.Register(Function{
		ID:       "refresh",
		Trigger:  testEvent,
		CancelOn: []string{testMarker},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			return nil, nil
		},
	}))

	later := time.Now().Add(time.Hour)
	require.NoError(t, bus.Send(ctx,
		models.Event{Name: testEvent, Data: orgData(tenantA), DispatchAt: later},
		models.Event{Name: testEvent, Data: orgData(tenantB), DispatchAt: later},
	))
	require.NoError(t, bus.Send(ctx,
		models.Event{Name: testMarker, Data: orgData(tenantA)},
		models.Event{Name: testEvent, Data: orgData(tenantA), DispatchAt: later},
	))

	rows := listEvents(t, db, testEvent)
	require.Len(t, rows, 3)
	assert.Equal(t, models.EventStatusCancelled, rows[0].Status)
	assert.Equal(t, models.EventStatusPending, rows[1].Status, "other tenants are untouched")
	assert.Equal(t, models.EventStatusPending, rows[2].Status, "runs scheduled with the marker survive")

	markers := listEvents(t, db, testMarker)
	require.Len(t, markers, 1)
	assert.Equal(t, models.EventStatusCompleted, markers[0].Status)

	n, err := bus.Cancel(ctx, testEvent, tenantA)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// blockingFunction registers a handler that waits on release before
// emitting a follow-up.
func blockingFunction(t *testing.T, bus *Bus, started chan<- struct{}, release <-chan struct{}) {
	t.Helper()
	require.NoError(t, bus.Register(Function{
		ID:       "refresh",
		Trigger:  testEvent,
		Retries:  3,
		CancelOn: []string{testMarker},
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			started <- struct{}{}
			<-release
			var data models.OrganisationData
			if err := inv.Decode(&data); err != nil {
				return nil, err
			}
			_ = inv.Send(ctx, models.Event{Name: testEvent, Data: data, DispatchAt: time.Now().Add(time.Hour)})
			return nil, nil
		},
	}))
}

func TestBus_CancelWhileRunningDropsFollowUps(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blockingFunction(t, bus, started, release)

	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	done := make(chan error, 1)
	go func() {
		_, err := bus.ProcessNext(ctx)
		done <- err
	}()
	<-started

	require.NoError(t, bus.Send(ctx, models.Event{Name: testMarker, Data: orgData(tenantA)}))
	close(release)
	require.NoError(t, <-done)

	rows := listEvents(t, db, testEvent)
	require.Len(t, rows, 1, "follow-up of the cancelled run is discarded")
	assert.Equal(t, models.EventStatusCancelled, rows[0].Status)
}

func TestBus_SerializesRunsPerTenant(t *testing.T) {
	bus, _ := newTestBus(t, nil, nil)
	ctx := context.Background()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	blockingFunction(t, bus, started, release)

	require.NoError(t, bus.Send(ctx,
		models.Event{Name: testEvent, Data: orgData(tenantA)},
		models.Event{Name: testEvent, Data: orgData(tenantA)},
		models.Event{Name: testEvent, Data: orgData(tenantB)},
	))

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, err := bus.ProcessNext(ctx)
			assert.NoError(t, err)
		}()
	}
	<-started
	<-started

	// tenant A is busy and tenant B is running: nothing else is claimable
	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)

	close(release)
	wg.Wait()

	processed, err = bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed, "second tenant A run becomes claimable")
}

func TestBus_SweepRequeuesExpiredLease(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) { return nil, nil },
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	// a worker claimed it and died
	claimed, err := db.ClaimNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	bus.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	bus.Sweep(ctx)

	row := listEvents(t, db, testEvent)[0]
	assert.Equal(t, models.EventStatusRetry, row.Status)

	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, models.EventStatusCompleted, listEvents(t, db, testEvent)[0].Status)
}

func TestBus_SweepWaitsForLeaseGrace(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) { return nil, nil },
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	start := time.Now()
	_, err := db.ClaimNext(ctx, start)
	require.NoError(t, err)

	// the handler deadline has passed but its finish may still be in flight
	bus.now = func() time.Time { return start.Add(bus.opts.LeaseTimeout + leaseGrace/2) }
	bus.Sweep(ctx)
	assert.Equal(t, models.EventStatusRunning, listEvents(t, db, testEvent)[0].Status)

	bus.now = func() time.Time { return start.Add(bus.opts.LeaseTimeout + leaseGrace + time.Second) }
	bus.Sweep(ctx)
	assert.Equal(t, models.EventStatusRetry, listEvents(t, db, testEvent)[0].Status)
}

func TestBus_SupersededRunCannotCloseNewClaim(t *testing.T) {
	bus, db := newTestBus(t, nil, nil)
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Retries: 3,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			if inv.Attempt == 1 {
				started <- struct{}{}
				<-release
				_ = inv.Send(ctx, models.Event{Name: testFollowUp, Data: orgData(tenantB)})
				return map[string]int{"attempt": 1}, nil
			}
			_ = inv.Send(ctx, models.Event{Name: testFollowUp, Data: orgData(tenantA)})
			return map[string]int{"attempt": inv.Attempt}, nil
		},
	}))
	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA)}))

	done := make(chan error, 1)
	go func() {
		processed, err := bus.ProcessNext(ctx)
		assert.True(t, processed)
		done <- err
	}()
	<-started

	// the first run outlives its lease and the row is handed to a new claim
	bus.now = func() time.Time { return time.Now().Add(bus.opts.LeaseTimeout + leaseGrace + time.Minute) }
	bus.Sweep(ctx)
	processed, err := bus.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	close(release)
	require.NoError(t, <-done)

	rows := listEvents(t, db, testEvent)
	require.Len(t, rows, 1)
	assert.Equal(t, models.EventStatusCompleted, rows[0].Status)
	assert.Equal(t, 2, rows[0].Attempt)
	require.NotNil(t, rows[0].Result)
	assert.JSONEq(t, `{"attempt":2}`, *rows[0].Result)

	follow := listEvents(t, db, testFollowUp)
	require.Len(t, follow, 1, "only the current claim commits follow-ups")
	assert.Equal(t, tenantA, follow[0].TenantID)
}

func TestBus_IdleWaitUntilNextDispatch(t *testing.T) {
	bus, _ := newTestBus(t, nil, nil)
	ctx := context.Background()
	// dispatch times are stored with millisecond precision
	now := time.UnixMilli(time.Now().UnixMilli())
	bus.now = func() time.Time { return now }
	bus.opts.PollInterval = time.Minute
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) { return nil, nil },
	}))

	assert.Equal(t, time.Minute, bus.idleWait(ctx), "empty queue polls at the interval")

	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantA), DispatchAt: now.Add(5 * time.Second)}))
	assert.Equal(t, 5*time.Second, bus.idleWait(ctx))

	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantB), DispatchAt: now.Add(time.Hour)}))
	assert.Equal(t, 5*time.Second, bus.idleWait(ctx), "earliest row wins")

	require.NoError(t, bus.Send(ctx, models.Event{Name: testEvent, Data: orgData(tenantB), DispatchAt: now.Add(-time.Second)}))
	assert.Equal(t, time.Minute, bus.idleWait(ctx), "a due row blocked by its tenant falls back to the interval")
}

func TestBus_Register(t *testing.T) {
	bus, _ := newTestBus(t, nil, nil)
	noop := func(ctx context.Context, inv *Invocation) (any, error) { return nil, nil }

	require.NoError(t, bus.Register(Function{ID: "a", Trigger: testEvent, Handler: noop}))
	assert.Error(t, bus.Register(Function{ID: "b", Trigger: testEvent, Handler: noop}))
	assert.Error(t, bus.Register(Function{ID: "c", Trigger: "x"}))
	assert.Error(t, bus.Register(Function{ID: "d", Trigger: "y", Retries: -1, Handler: noop}))
	assert.Error(t, bus.Register(Function{Trigger: "z", Handler: noop}))
}

func TestBus_Crons(t *testing.T) {
	bus, _ := newTestBus(t, nil, nil)
	ctx := context.Background()

	assert.Error(t, bus.RegisterCron("bad", "every day", nil))

	var runs int
	require.NoError(t, bus.RegisterCron("fan-out", "0 0 * * *", func(ctx context.Context) (any, error) {
		runs++
		return []string{}, nil
	}))

	result, err := bus.TriggerCron(ctx, "fan-out")
	require.NoError(t, err)
	assert.Equal(t, []string{}, result)
	assert.Equal(t, 1, runs)

	_, err = bus.TriggerCron(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestBus_StartProcessesUntilCancelled(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	bus, db := newTestBus(t, client, nil)
	handled := make(chan string, 4)
	require.NoError(t, bus.Register(Function{
		ID:      "work",
		Trigger: testEvent,
		Handler: func(ctx context.Context, inv *Invocation) (any, error) {
			handled <- inv.Event.TenantID
			return nil, nil
		},
	}))
	require.NoError(t, bus.RegisterCron("noop", "0 0 * * *", func(ctx context.Context) (any, error) { return nil, nil }))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- bus.Start(ctx) }()

	require.NoError(t, bus.Send(context.Background(),
		models.Event{Name: testEvent, Data: orgData(tenantA)},
		models.Event{Name: testEvent, Data: orgData(tenantB)},
	))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-handled:
			got[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("event was not processed")
		}
	}
	assert.True(t, got[tenantA])
	assert.True(t, got[tenantB])

	cancel()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not stop")
	}

	require.Eventually(t, func() bool {
		rows := listEvents(t, db, testEvent)
		return len(rows) == 2 && rows[0].Status == models.EventStatusCompleted && rows[1].Status == models.EventStatusCompleted
	}, time.Second, 10*time.Millisecond)
}
