package saas

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Error is returned for any non-2xx response of the SaaS API. Response is the
// raw response with its body already drained into Body.
type Error struct {
	Op         string
	StatusCode int
	Body       []byte
	Response   *http.Response
}

func (e *Error) Error() string {
	return fmt.Sprintf("saas: %s: unexpected status %d", e.Op, e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

const maxErrorBody = 64 << 10

func newError(op string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{Op: op, StatusCode: resp.StatusCode, Body: body, Response: resp}
}

// fromOAuth converts token endpoint failures into Error so callers see one
// error type for the whole SaaS surface.
func fromOAuth(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &Error{Op: op, StatusCode: re.Response.StatusCode, Body: re.Body, Response: re.Response}
	}
	return fmt.Errorf("saas: %s: %w", op, err)
}
