package bili

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth means the session or cookie was rejected; retrying will not help.
	ErrAuth = errors.New("bili: authentication rejected")
	// ErrTransient covers network failures, throttling and server errors.
	ErrTransient = errors.New("bili: transient failure")
	// ErrMalformed means the response decoded but did not have the expected shape.
	ErrMalformed = errors.New("bili: malformed response")
)

// APIError is a non-zero code in the {code, message, data} envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bili: api code %d: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case -101, -111, -352, -403:
		return ErrAuth
	case -412, -509, -799, -500, -503:
		return ErrTransient
	}
	return ErrMalformed
}

// statusError classifies a non-2xx HTTP status.
func statusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: http status %d", ErrAuth, code)
	case code == http.StatusPreconditionFailed || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: http status %d", ErrTransient, code)
	}
	return fmt.Errorf("%w: http status %d", ErrMalformed, code)
}
