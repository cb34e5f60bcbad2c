package models

import "time"

// Tenant is one installation of the connector. Its row existing is what
// "installed" means for every background handler.
type Tenant struct {
	ID           string    `json:"id"`
	Region       string    `json:"region"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TimeZone     string    `json:"time_zone"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TenantRef is the projection the cron triggers fan out over.
type TenantRef struct {
	ID     string `json:"id"`
	Region string `json:"region"`
}

// TokenSet is the result of an OAuth exchange. ExpiresIn is in minutes.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}
