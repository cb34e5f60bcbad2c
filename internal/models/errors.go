package models

import "errors"

// ErrTenantNotFound is returned by tenant stores when no row exists for an id.
var ErrTenantNotFound = errors.New("tenant not found")
