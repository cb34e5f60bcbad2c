package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"saassync/internal/database"
	"saassync/internal/domain"
	"saassync/internal/events"
	"saassync/internal/metrics"
	"saassync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownFunction = errors.New("unknown function")

// Run outcomes used in logs and metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	// OutcomeSuperseded marks a run whose lease expired and whose row was
	// handed to another claim. Its result is dropped.
	OutcomeSuperseded = "superseded"
)

// leaseGrace is added to LeaseTimeout before a running row counts as
// abandoned, so a handler cut off by its deadline can still write its finish.
const leaseGrace = 30 * time.Second

type Options struct {
	Workers      int
	PollInterval time.Duration
	// LeaseTimeout bounds a single handler run. Rows locked longer than
	// LeaseTimeout plus a grace period are considered abandoned and requeued.
	LeaseTimeout time.Duration
	// Retention is how long completed and cancelled rows are kept.
	Retention time.Duration
	Retry     RetryPolicy
	KeyPrefix string
}

// Bus is the durable event bus. Events are rows in the sqlite event_queue;
// Redis, when configured, only carries wake-up signals and dead letters.
type Bus struct {
	db        *database.DB
	redis     *redis.Client
	notifier  Notifier
	publisher domain.EventPublisher
	logger    *zerolog.Logger
	opts      Options
	now       func() time.Time

	mu        sync.RWMutex
	functions map[string]*Function
	cancelers map[string][]string
	crons     []cronEntry
}

func NewBus(db *database.DB, redisClient *redis.Client, publisher domain.EventPublisher, opts Options, logger *zerolog.Logger) *Bus {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "saassync"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	b := &Bus{
		db:        db,
		redis:     redisClient,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		functions: make(map[string]*Function),
		cancelers: make(map[string][]string),
	}
	if redisClient != nil {
		b.notifier = &redisNotifier{client: redisClient, key: opts.KeyPrefix + ":queue", logger: logger}
	} else {
		b.notifier = newMemoryNotifier()
	}
	return b
}

// Register adds a function. One function per trigger event.
func (b *Bus) Register(fn Function) error {
	if err := fn.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.functions[fn.Trigger]; ok {
		return fmt.Errorf("event %s already handled by %s", fn.Trigger, existing.ID)
	}
	b.functions[fn.Trigger] = &fn
	for _, name := range fn.CancelOn {
		b.cancelers[name] = append(b.cancelers[name], fn.Trigger)
	}
	return nil
}

// RegisterCron adds a scheduled trigger using a standard five-field expression.
func (b *Bus) RegisterCron(id, schedule string, run CronFunc) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("cron %s: invalid schedule %q: %w", id, schedule, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.crons = append(b.crons, cronEntry{id: id, schedule: schedule, run: run})
	return nil
}

// Send durably records events in one transaction. Events nobody handles are
// stored as completed markers; they still cancel the runs that list them in
// CancelOn.
func (b *Bus) Send(ctx context.Context, evs ...models.Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch, err := b.prepare(evs)
	if err != nil {
		return err
	}
	if err := b.db.EnqueueEvents(ctx, batch); err != nil {
		return fmt.Errorf("enqueue events: %w", err)
	}
	b.afterEnqueue(ctx, batch)
	return nil
}

func (b *Bus) prepare(evs []models.Event) ([]database.NewEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	batch := make([]database.NewEvent, 0, len(evs))
	for _, ev := range evs {
		payload, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", ev.Name, err)
		}
		tenantID, err := models.TenantIDOf(payload)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.Name, err)
		}

		row := &models.QueuedEvent{
			EventID:    uuid.NewString(),
			Name:       ev.Name,
			TenantID:   tenantID,
			Payload:    payload,
			DispatchAt: ev.DispatchAt,
			Status:     models.EventStatusCompleted,
		}
		if fn, ok := b.functions[ev.Name]; ok {
			row.Status = models.EventStatusPending
			row.Priority = fn.priority(payload)
		}
		batch = append(batch, database.NewEvent{Event: row, Cancels: b.cancelers[ev.Name]})
	}
	return batch, nil
}

func (b *Bus) afterEnqueue(ctx context.Context, batch []database.NewEvent) {
	wake := false
	for _, ne := range batch {
		metrics.IncEmitted(ne.Event.Name)
		if ne.Event.Status == models.EventStatusPending {
			wake = true
		}
	}
	if wake {
		b.notifier.Notify(ctx)
	}
}

// Cancel cancels pending runs of eventName for the tenant. A run already in
// progress finishes but its follow-up events are dropped.
func (b *Bus) Cancel(ctx context.Context, eventName, tenantID string) (int64, error) {
	n, err := b.db.CancelEvents(ctx, eventName, tenantID)
	if err != nil {
		return 0, err
	}
	b.logger.Info().Str("event", eventName).Str("organisation_id", tenantID).Int64("rows", n).Msg("events cancelled")
	return n, nil
}

// Start runs workers, the lease sweeper and the cron triggers until ctx is
// cancelled.
func (b *Bus) Start(ctx context.Context) error {
	c, err := b.newCron(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Workers; i++ {
		id := i
		g.Go(func() error {
			b.workerLoop(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		b.sweepLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.Start()
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	b.logger.Info().Int("workers", b.opts.Workers).Int("crons", len(b.crons)).Msg("event bus started")
	err = g.Wait()
	b.logger.Info().Msg("event bus stopped")
	return err
}

func (b *Bus) workerLoop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		processed, err := b.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			b.logger.Error().Err(err).Int("worker", id).Msg("process next event")
		}
		if processed {
			continue
		}
		b.notifier.Wait(ctx, b.idleWait(ctx))
	}
}

// idleWait is how long an idle worker sleeps: until the next scheduled row is
// due, capped at PollInterval.
func (b *Bus) idleWait(ctx context.Context) time.Duration {
	next, ok, err := b.db.NextDispatchAt(ctx)
	if err != nil || !ok {
		return b.opts.PollInterval
	}
	if d := next.Sub(b.now()); d > 0 && d < b.opts.PollInterval {
		return d
	}
	return b.opts.PollInterval
}

func (b *Bus) sweepLoop(ctx context.Context) {
	interval := b.opts.LeaseTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Sweep(ctx)
		}
	}
}

// Sweep requeues runs whose lease expired and prunes old closed rows.
func (b *Bus) Sweep(ctx context.Context) {
	now := b.now()
	requeued, err := b.db.RequeueStale(ctx, now.Add(-(b.opts.LeaseTimeout + leaseGrace)))
	if err != nil {
		b.logger.Error().Err(err).Msg("requeue stale events")
	} else if requeued > 0 {
		b.logger.Warn().Int64("rows", requeued).Msg("requeued events with expired lease")
		b.notifier.Notify(ctx)
	}
	if _, err := b.db.PruneProcessed(ctx, now.Add(-b.opts.Retention)); err != nil {
		b.logger.Error().Err(err).Msg("prune processed events")
	}
}

// ProcessNext claims and runs one due event. It reports whether an event was
// processed.
func (b *Bus) ProcessNext(ctx context.Context) (bool, error) {
	ev, err := b.db.ClaimNext(ctx, b.now())
	if err != nil {
		return false, err
	}
	if ev == nil {
		return false, nil
	}

	b.mu.RLock()
	fn, ok := b.functions[ev.Name]
	b.mu.RUnlock()

	// Finishing writes must land even when shutdown cancels ctx.
	finishCtx := context.WithoutCancel(ctx)
	if !ok {
		_, err := b.db.FailEvent(finishCtx, ev.ID, ev.Attempt, ErrUnknownFunction.Error())
		return true, err
	}

	logger := b.logger.With().
		Str("function", fn.ID).
		Str("event", ev.Name).
		Str("event_id", ev.EventID).
		Str("organisation_id", ev.TenantID).
		Int("attempt", ev.Attempt).
		Logger()
	inv := &Invocation{Event: *ev, Attempt: ev.Attempt, Logger: &logger}

	start := time.Now()
	result, runErr := b.invoke(ctx, fn, inv)
	duration := time.Since(start)

	outcome, err := b.finish(finishCtx, fn, ev, inv, result, runErr)
	if errors.Is(err, database.ErrClaimLost) {
		outcome, err = OutcomeSuperseded, nil
	}
	metrics.ObserveRun(fn.ID, outcome, duration)

	level := zerolog.InfoLevel
	if runErr != nil || outcome == OutcomeSuperseded {
		level = zerolog.WarnLevel
	}
	entry := logger.WithLevel(level).Err(runErr).Str("outcome", outcome).Dur("duration", duration)
	if temporary, ok := upstreamTemporary(runErr); ok {
		entry = entry.Bool("upstream_temporary", temporary)
	}
	entry.Msg("function run finished")

	b.publish(fn, ev, outcome, runErr, duration)
	return true, err
}

func (b *Bus) invoke(ctx context.Context, fn *Function, inv *Invocation) (result any, err error) {
	runCtx, cancel := context.WithTimeout(ctx, b.opts.LeaseTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn.Handler(runCtx, inv)
}

func (b *Bus) finish(ctx context.Context, fn *Function, ev *models.QueuedEvent, inv *Invocation, result any, runErr error) (string, error) {
	if runErr == nil {
		followUps, err := b.prepare(inv.Emitted())
		if err != nil {
			_, ferr := b.db.FailEvent(ctx, ev.ID, ev.Attempt, err.Error())
			return OutcomeFailed, errors.Join(err, ferr)
		}
		var encoded string
		if result != nil {
			raw, err := json.Marshal(result)
			if err == nil {
				encoded = string(raw)
			}
		}
		status, err := b.db.CompleteEvent(ctx, ev.ID, ev.Attempt, encoded, followUps)
		if err != nil {
			return OutcomeFailed, err
		}
		if status == models.EventStatusCancelled {
			return OutcomeCancelled, nil
		}
		b.afterEnqueue(ctx, followUps)
		return OutcomeCompleted, nil
	}

	if IsNonRetriable(runErr) || ev.Attempt > fn.Retries {
		if _, err := b.db.FailEvent(ctx, ev.ID, ev.Attempt, runErr.Error()); err != nil {
			return OutcomeFailed, err
		}
		b.pushDeadLetter(ctx, ev, runErr)
		return OutcomeFailed, nil
	}

	nextAt := b.now().Add(b.opts.Retry.NextDelay(ev.Attempt))
	status, err := b.db.RetryEvent(ctx, ev.ID, ev.Attempt, runErr.Error(), nextAt)
	if err != nil {
		return OutcomeFailed, err
	}
	if status == models.EventStatusCancelled {
		return OutcomeCancelled, nil
	}
	return OutcomeRetry, nil
}

type deadLetter struct {
	models.QueuedEvent
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func (b *Bus) pushDeadLetter(ctx context.Context, ev *models.QueuedEvent, cause error) {
	if b.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetter{QueuedEvent: *ev, Error: cause.Error(), FailedAt: b.now().UTC()})
	if err != nil {
		b.logger.Error().Err(err).Int64("id", ev.ID).Msg("encode dead letter")
		return
	}
	if err := b.redis.LPush(ctx, b.deadLetterKey(), data).Err(); err != nil {
		b.logger.Error().Err(err).Int64("id", ev.ID).Msg("dead letter push")
	}
}

func (b *Bus) deadLetterKey() string {
	return b.opts.KeyPrefix + ":deadletter"
}

func (b *Bus) publish(fn *Function, ev *models.QueuedEvent, outcome string, runErr error, d time.Duration) {
	if b.publisher == nil {
		return
	}
	eventType := events.EventRunCompleted
	switch outcome {
	case OutcomeRetry, OutcomeSuperseded:
		return
	case OutcomeFailed:
		eventType = events.EventRunFailed
	case OutcomeCancelled:
		eventType = events.EventRunCancelled
	}
	payload := events.RunPayload{
		Function:   fn.ID,
		EventID:    ev.EventID,
		EventName:  ev.Name,
		TenantID:   ev.TenantID,
		Attempt:    ev.Attempt,
		Duration:   d,
		DeadLetter: outcome == OutcomeFailed,
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	if err := b.publisher.PublishJSON(eventType, payload); err != nil {
		b.logger.Warn().Err(err).Msg("publish run event")
	}
}
