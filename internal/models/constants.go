package models

// Event names carried on the queue. They keep the wire names used by the
// aggregator-side tooling so existing dashboards keep matching.
const (
	EventUsersSyncRequested    = "hubspot/users.sync.requested"
	EventAppInstalled          = "hubspot/hubspot.elba_app.installed"
	EventAppUninstalled        = "hubspot/hubspot.elba_app.uninstalled"
	EventTokenRefreshRequested = "hubspot/hubspot.token.refresh.requested"
	EventTimeZoneRefreshed     = "hubspot/timezone.refresh.requested"
)

// Queue row statuses.
const (
	EventStatusPending   = "pending"
	EventStatusRunning   = "running"
	EventStatusRetry     = "retry"
	EventStatusCompleted = "completed"
	EventStatusFailed    = "failed"
	EventStatusCancelled = "cancelled"
)

// Sync run outcomes returned by the users sync handler.
const (
	SyncStatusOngoing   = "ongoing"
	SyncStatusCompleted = "completed"
)

const (
	// TokenRefreshLeadMinutes is how long before expiry the next refresh is scheduled.
	TokenRefreshLeadMinutes = 5

	// FirstSyncPriority and RoutineSyncPriority order sync runs on the queue.
	FirstSyncPriority   = 600
	RoutineSyncPriority = -600

	// UsersPageSize is the page size requested from the directory API.
	UsersPageSize = 100
)
