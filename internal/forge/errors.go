package forge

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError means no response was received: DNS, TLS, a refused
// connection or a timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind tags a BusinessError so callers can pick a recovery path.
type ErrorKind string

const (
	KindAlreadyExists ErrorKind = "already_exists"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindNotFound      ErrorKind = "not_found"
	KindInvalid       ErrorKind = "invalid"
	KindOther         ErrorKind = "other"
)

// BusinessError is a response with status 400 or above. Message carries the
// service's own error text unchanged.
type BusinessError struct {
	Op         string
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *BusinessError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %d %s: %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Retryable reports whether repeating the same request later could succeed.
func (e *BusinessError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func newBusinessError(op string, status int, message string) *BusinessError {
	return &BusinessError{Op: op, StatusCode: status, Kind: kindForStatus(status), Message: message}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusConflict:
		return KindAlreadyExists
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return KindInvalid
	default:
		return KindOther
	}
}

func hasKind(err error, kind ErrorKind) bool {
	var bizErr *BusinessError
	return errors.As(err, &bizErr) && bizErr.Kind == kind
}

// IsAlreadyExists reports whether err is a 409-style duplicate.
func IsAlreadyExists(err error) bool { return hasKind(err, KindAlreadyExists) }

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsUnauthorized reports whether err is a 401 or 403.
func IsUnauthorized(err error) bool { return hasKind(err, KindUnauthorized) }

// IsInvalid reports whether err is a 400 or 422 rejection of the request.
func IsInvalid(err error) bool { return hasKind(err, KindInvalid) }

// IsTransport reports whether err means the service was unreachable.
func IsTransport(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// IsRetryable reports whether the failure was transient: unreachable service,
// rate limiting or a 5xx. Nothing retries automatically; this only shapes the
// message shown to the user.
func IsRetryable(err error) bool {
	if IsTransport(err) {
		return true
	}
	var bizErr *BusinessError
	return errors.As(err, &bizErr) && bizErr.Retryable()
}
