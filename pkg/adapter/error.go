package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("empty response")

// AdapterError carries the provider and HTTP status of a failed call.
type AdapterError struct {
	Provider string
	Status   int
	// Temporary marks failures the provider reported as retryable
	// without a telling status.
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s error (status=%d)", e.Provider, e.Status)
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Failure classes, as recorded on usage records.
const (
	FailureRateLimited = "rate_limited"
	FailureTimeout     = "timeout"
	FailureUnavailable = "unavailable"
	FailureRejected    = "rejected"
	FailureEmpty       = "empty_response"
	FailureCancelled   = "cancelled"
	FailureOther       = "other"
)

// Classify names the kind of failure err is. It returns "" for nil.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		switch {
		case adapterErr.Status == http.StatusTooManyRequests:
			return FailureRateLimited
		case adapterErr.Status == http.StatusRequestTimeout:
			return FailureTimeout
		case adapterErr.Status >= 500 && adapterErr.Status <= 599, adapterErr.Temporary:
			return FailureUnavailable
		case adapterErr.Status >= 400 && adapterErr.Status <= 499:
			return FailureRejected
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, ErrEmptyResponse):
		return FailureEmpty
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureUnavailable
	}
	return FailureOther
}

// IsTransient reports whether a later attempt at the same capability could
// succeed: rate limits, timeouts and provider outages.
func IsTransient(err error) bool {
	switch Classify(err) {
	case FailureRateLimited, FailureTimeout, FailureUnavailable:
		return true
	}
	return false
}

// StatusOf returns the provider HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Status
	}
	return 0
}
