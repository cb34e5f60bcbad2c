package models

import (
	"encoding/json"
	"time"
)

// Event is what producers hand to the bus. A zero DispatchAt means "as soon
// as a worker is free".
type Event struct {
	Name       string
	Data       any
	DispatchAt time.Time
}

// QueuedEvent is a persisted event_queue row.
type QueuedEvent struct {
	ID              int64           `json:"id"`
	EventID         string          `json:"event_id"`
	Name            string          `json:"name"`
	TenantID        string          `json:"tenant_id"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	Status          string          `json:"status"`
	Attempt         int             `json:"attempt"`
	LastError       *string         `json:"last_error"`
	Result          *string         `json:"result"`
	DispatchAt      time.Time       `json:"dispatch_at"`
	CreatedAt       time.Time       `json:"created_at"`
	LockedAt        *time.Time      `json:"locked_at"`
	ProcessedAt     *time.Time      `json:"processed_at"`
	CancelRequested bool            `json:"cancel_requested"`
}
