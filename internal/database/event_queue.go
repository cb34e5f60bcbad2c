package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"saassync/internal/models"
)

// ErrEventNotFound is returned when a queue row id does not exist.
var ErrEventNotFound = errors.New("event not found")

// NewEvent is a queue row to insert together with the event names whose
// pending rows for the same tenant it cancels.
type NewEvent struct {
	Event   *models.QueuedEvent
	Cancels []string
}

const eventColumns = `id, event_id, name, tenant_id, payload, priority, status, attempt, last_error, result,
              dispatch_at, created_at, locked_at, processed_at, cancel_requested`

// EnqueueEvents stores a batch of events atomically.
func (db *DB) EnqueueEvents(ctx context.Context, events []NewEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := enqueueTx(ctx, tx, events, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

func enqueueTx(ctx context.Context, tx *sql.Tx, events []NewEvent, now time.Time) error {
	query := `INSERT INTO event_queue (event_id, name, tenant_id, payload, priority, status, attempt, dispatch_at, created_at, processed_at)
              VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`
	for _, ne := range events {
		ev := ne.Event
		if ev.Status == "" {
			ev.Status = models.EventStatusPending
		}
		if ev.DispatchAt.IsZero() {
			ev.DispatchAt = now
		}
		var processedAt *int64
		if ev.Status == models.EventStatusCompleted {
			ms := now.UnixMilli()
			processedAt = &ms
		}
		res, err := tx.ExecContext(ctx, query,
			ev.EventID,
			ev.Name,
			ev.TenantID,
			string(ev.Payload),
			ev.Priority,
			ev.Status,
			ev.DispatchAt.UnixMilli(),
			now.UnixMilli(),
			processedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %s: %w", ev.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		ev.ID = id
		ev.CreatedAt = time.UnixMilli(now.UnixMilli())

		for _, name := range ne.Cancels {
			if err := cancelTx(ctx, tx, name, ev.TenantID, id, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// cancelTx cancels not-yet-delivered rows of name for the tenant older than
// beforeID and flags running ones so their follow-ups are dropped.
func cancelTx(ctx context.Context, tx *sql.Tx, name, tenantID string, beforeID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
        UPDATE event_queue SET status = ?, processed_at = ?
        WHERE name = ? AND tenant_id = ? AND id < ? AND status IN ('pending', 'retry')`,
		models.EventStatusCancelled, now.UnixMilli(), name, tenantID, beforeID)
	if err != nil {
		return fmt.Errorf("failed to cancel %s: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, `
        UPDATE event_queue SET cancel_requested = 1
        WHERE name = ? AND tenant_id = ? AND id < ? AND status = 'running'`,
		name, tenantID, beforeID)
	if err != nil {
		return fmt.Errorf("failed to flag running %s: %w", name, err)
	}
	return nil
}

// CancelEvents cancels every pending row of name for the tenant and returns the
// number of rows affected, running rows included.
func (db *DB) CancelEvents(ctx context.Context, name, tenantID string) (int64, error) {
	res, err := db.ExecContext(ctx, `
        UPDATE event_queue
        SET status = CASE WHEN status = 'running' THEN status ELSE 'cancelled' END,
            cancel_requested = CASE WHEN status = 'running' THEN 1 ELSE cancel_requested END,
            processed_at = CASE WHEN status = 'running' THEN processed_at ELSE ? END
        WHERE name = ? AND tenant_id = ? AND status IN ('pending', 'retry', 'running')`,
		time.Now().UnixMilli(), name, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel events: %w", err)
	}
	return res.RowsAffected()
}

// ClaimNext marks the most urgent due row as running and returns it. Rows whose
// (name, tenant) already has a running row are skipped. It returns nil when
// nothing is due.
func (db *DB) ClaimNext(ctx context.Context, now time.Time) (*models.QueuedEvent, error) {
	query := `
        UPDATE event_queue
        SET status = 'running', attempt = attempt + 1, locked_at = ?
        WHERE id = (
            SELECT q.id FROM event_queue q
            WHERE q.status IN ('pending', 'retry') AND q.dispatch_at <= ?
              AND NOT EXISTS (
                  SELECT 1 FROM event_queue r
                  WHERE r.status = 'running' AND r.name = q.name AND r.tenant_id = q.tenant_id
              )
            ORDER BY q.priority DESC, q.dispatch_at ASC, q.id ASC
            LIMIT 1
        )
        RETURNING ` + eventColumns

	ev, err := scanEvent(db.QueryRowContext(ctx, query, now.UnixMilli(), now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim event: %w", err)
	}
	return ev, nil
}

// ErrClaimLost is returned when a finish write targets a claim that is no
// longer current: the lease expired and the row was requeued or claimed again.
var ErrClaimLost = errors.New("event claim lost")

// CompleteEvent finishes a running row and stores the events it emitted in the
// same transaction. The attempt is the one returned by ClaimNext. If the row was
// cancelled while running, the follow-ups are dropped and the row ends
// cancelled; the returned status reports which.
func (db *DB) CompleteEvent(ctx context.Context, id int64, attempt int, result string, followUps []NewEvent) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cancelRequested, err := runningFlag(ctx, tx, id, attempt)
	if err != nil {
		return "", err
	}

	now := time.Now()
	status := models.EventStatusCompleted
	if cancelRequested {
		status = models.EventStatusCancelled
	} else if err := enqueueTx(ctx, tx, followUps, now); err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE event_queue SET status = ?, result = ?, last_error = NULL, processed_at = ?, locked_at = NULL
        WHERE id = ? AND attempt = ? AND status = 'running'`, status, nullString(result), now.UnixMilli(), id, attempt)
	if err != nil {
		return "", fmt.Errorf("failed to complete event: %w", err)
	}
	return status, tx.Commit()
}

// RetryEvent puts a running row back on the queue at nextAt. A row cancelled
// while running is closed instead.
func (db *DB) RetryEvent(ctx context.Context, id int64, attempt int, errMsg string, nextAt time.Time) (string, error) {
	return db.finishWithError(ctx, id, attempt, models.EventStatusRetry, errMsg, nextAt)
}

// FailEvent closes a running row permanently.
func (db *DB) FailEvent(ctx context.Context, id int64, attempt int, errMsg string) (string, error) {
	return db.finishWithError(ctx, id, attempt, models.EventStatusFailed, errMsg, time.Time{})
}

func (db *DB) finishWithError(ctx context.Context, id int64, attempt int, status, errMsg string, nextAt time.Time) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cancelRequested, err := runningFlag(ctx, tx, id, attempt)
	if err != nil {
		return "", err
	}
	if cancelRequested && status == models.EventStatusRetry {
		status = models.EventStatusCancelled
	}

	now := time.Now()
	var query string
	var args []any
	switch status {
	case models.EventStatusRetry:
		query = `UPDATE event_queue SET status = ?, last_error = ?, dispatch_at = ?, locked_at = NULL
                 WHERE id = ? AND attempt = ? AND status = 'running'`
		args = []any{status, errMsg, nextAt.UnixMilli(), id, attempt}
	default:
		query = `UPDATE event_queue SET status = ?, last_error = ?, processed_at = ?, locked_at = NULL
                 WHERE id = ? AND attempt = ? AND status = 'running'`
		args = []any{status, errMsg, now.UnixMilli(), id, attempt}
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to update event status: %w", err)
	}
	return status, tx.Commit()
}

// runningFlag checks that the row is still held by the given claim and reports
// whether a cancel arrived while it ran.
func runningFlag(ctx context.Context, tx *sql.Tx, id int64, attempt int) (bool, error) {
	var status string
	var current int
	var cancelRequested bool
	err := tx.QueryRowContext(ctx, `SELECT status, attempt, cancel_requested FROM event_queue WHERE id = ?`, id).
		Scan(&status, &current, &cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrEventNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read event: %w", err)
	}
	if current != attempt {
		return false, fmt.Errorf("event %d attempt %d superseded by attempt %d: %w", id, attempt, current, ErrClaimLost)
	}
	if status != models.EventStatusRunning {
		return false, fmt.Errorf("event %d is %s, not running: %w", id, status, ErrClaimLost)
	}
	return cancelRequested, nil
}

// RequeueStale returns running rows whose lease expired to the retry state.
func (db *DB) RequeueStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
        UPDATE event_queue
        SET status = CASE WHEN cancel_requested = 1 THEN 'cancelled' ELSE 'retry' END,
            last_error = 'lease expired', locked_at = NULL
        WHERE status = 'running' AND locked_at < ?`, lockedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale events: %w", err)
	}
	return res.RowsAffected()
}

// PruneProcessed deletes closed rows processed before the cutoff. Failed rows
// are kept for inspection.
func (db *DB) PruneProcessed(ctx context.Context, processedBefore time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
        DELETE FROM event_queue
        WHERE status IN ('completed', 'cancelled') AND processed_at < ?`, processedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// NextDispatchAt reports the earliest dispatch time among waiting rows.
func (db *DB) NextDispatchAt(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MIN(dispatch_at) FROM event_queue WHERE status IN ('pending', 'retry')`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read next dispatch: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (db *DB) GetEvent(ctx context.Context, id int64) (*models.QueuedEvent, error) {
	ev, err := scanEvent(db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM event_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	Name     string
	TenantID string
	Statuses []string
}

func (db *DB) ListEvents(ctx context.Context, filter EventFilter) ([]models.QueuedEvent, error) {
	var where []string
	var args []any
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(filter.Statuses)-1)+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + eventColumns + ` FROM event_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.QueuedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// GetFailedEvents lists dead rows, newest first.
func (db *DB) GetFailedEvents(ctx context.Context) ([]models.QueuedEvent, error) {
	events, err := db.ListEvents(ctx, EventFilter{Statuses: []string{models.EventStatusFailed}})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.QueuedEvent, error) {
	var (
		ev                    models.QueuedEvent
		payload               string
		dispatchAt, createdAt int64
		lockedAt, processedAt sql.NullInt64
		lastError, result     sql.NullString
	)
	err := row.Scan(
		&ev.ID, &ev.EventID, &ev.Name, &ev.TenantID, &payload, &ev.Priority, &ev.Status, &ev.Attempt,
		&lastError, &result, &dispatchAt, &createdAt, &lockedAt, &processedAt, &ev.CancelRequested,
	)
	if err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	ev.DispatchAt = time.UnixMilli(dispatchAt)
	ev.CreatedAt = time.UnixMilli(createdAt)
	if lockedAt.Valid {
		t := time.UnixMilli(lockedAt.Int64)
		ev.LockedAt = &t
	}
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64)
		ev.ProcessedAt = &t
	}
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	if result.Valid {
		ev.Result = &result.String
	}
	return &ev, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
