package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/sells-group/price-scraper/internal/model"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// TerminalError marks a page that no automated method can handle (login
// wall, removed pricing page).
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err carries a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// transientMessages match network failures that surface only as text,
// from net/http and from Chromium via the DevTools protocol.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"net::err_connection_reset",
	"net::err_connection_closed",
	"net::err_timed_out",
	"net::err_network_changed",
	"net::err_name_not_resolved",
}

// IsTransient reports whether err is worth retrying with the same backend:
// a TransientError, a deadline, a network timeout or refused/reset
// connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []error{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// ScrapeError converts an executor error into the result error shape.
// Terminal errors are never retried; transient ones always are; anything
// else takes retryByDefault.
func ScrapeError(err error, retryByDefault bool) *model.ScrapeError {
	if err == nil {
		return nil
	}
	se := &model.ScrapeError{Message: err.Error()}
	switch {
	case IsTerminal(err):
		se.Terminal = true
	case IsTransient(err):
		se.ShouldRetry = true
	case errors.Is(err, ErrCircuitOpen):
		se.ShouldRetry = true
	default:
		se.ShouldRetry = retryByDefault
	}
	return se
}

// ClassifyError labels err for logs and the dead-letter list.
func ClassifyError(err error) string {
	switch {
	case IsTerminal(err):
		return "terminal"
	case IsTransient(err):
		return "transient"
	}
	return "permanent"
}
