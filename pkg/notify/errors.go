package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUndelivered is returned when no channel accepted a message.
	ErrUndelivered = errors.New("message not delivered on any channel")
	// ErrNoChannels is returned for a recipient without enabled endpoints.
	ErrNoChannels = errors.New("recipient has no enabled channels")
	// ErrNoTransport marks an endpoint whose channel has no registered transport.
	ErrNoTransport = errors.New("no transport registered for channel")
	// ErrRecipientNotFound is returned by directories for unknown ids.
	ErrRecipientNotFound = errors.New("recipient not found")
)

// DeliveryError is a per-channel failure. Permanent failures are never retried.
type DeliveryError struct {
	Channel   string
	Status    int
	Permanent bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s delivery failed (%s, status %d): %v", e.Channel, kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s delivery failed (%s): %v", e.Channel, kind, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Permanentf builds a permanent failure, used for invalid addresses and credentials.
func Permanentf(channel, format string, args ...any) error {
	return &DeliveryError{Channel: channel, Permanent: true, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// and cancellations are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Permanent
	}
	return false
}

// statusError classifies an HTTP response from a channel API.
// 408, 429 and 5xx are transient; other 4xx mean a bad address or credential.
func statusError(channel string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	permanent := status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
	body = clip(strings.TrimSpace(body), 200)
	if body == "" {
		body = http.StatusText(status)
	}
	return &DeliveryError{Channel: channel, Status: status, Permanent: permanent, Err: errors.New(body)}
}

// UndeliveredError summarizes the failures of a dispatch that reached no channel.
type UndeliveredError struct {
	RecipientID string
	Failures    []string
}

func (e *UndeliveredError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("recipient %s: %v", e.RecipientID, ErrUndelivered)
	}
	return fmt.Sprintf("recipient %s: %v: %s", e.RecipientID, ErrUndelivered, strings.Join(e.Failures, "; "))
}

func (e *UndeliveredError) Is(target error) bool {
	return target == ErrUndelivered
}
