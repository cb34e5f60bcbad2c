package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// OrganisationData is the payload shared by the installed/uninstalled markers
// and the token and timezone refresh events.
type OrganisationData struct {
	OrganisationID string `json:"organisationId" validate:"required,uuid"`
	Region         string `json:"region" validate:"required"`
}

// SyncRequestedData carries the cursor of a paginated users sync. A nil or
// empty Page means the run starts from the first page. SyncStartedAt is unix
// milliseconds and is fixed for the whole run.
type SyncRequestedData struct {
	OrganisationID string  `json:"organisationId" validate:"required,uuid"`
	Region         string  `json:"region" validate:"required"`
	IsFirstSync    bool    `json:"isFirstSync"`
	SyncStartedAt  int64   `json:"syncStartedAt" validate:"required,gt=0"`
	Page           *string `json:"page"`
}

// ValidationError reports a malformed payload or request.
type ValidationError struct {
	Field  string
	Reason string
	Cause  error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Validate runs struct tag validation and converts the first failure into a
// ValidationError.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return &ValidationError{Field: errs[0].Field(), Reason: errs[0].Tag(), Cause: err}
		}
		return &ValidationError{Reason: err.Error(), Cause: err}
	}
	return nil
}

// DecodePayload unmarshals a queued payload into out and validates it.
func DecodePayload(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return &ValidationError{Reason: "invalid json", Cause: err}
	}
	return Validate(out)
}

// TenantIDOf extracts the organisationId concurrency key from any payload.
func TenantIDOf(raw []byte) (string, error) {
	var key struct {
		OrganisationID string `json:"organisationId"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", &ValidationError{Reason: "invalid json", Cause: err}
	}
	if key.OrganisationID == "" {
		return "", &ValidationError{Field: "organisationId", Reason: "required"}
	}
	return key.OrganisationID, nil
}
