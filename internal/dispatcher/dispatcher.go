// Package dispatcher delivers job completion webhooks asynchronously with
// buffering, retry and per-host circuit breaking.
package dispatcher

import (
	"context"

	"github.com/cockroachdb/errors"

	"provisioner/internal/apperrors"
	"provisioner/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
	ErrBufferFull = errors.Mark(errors.New("dispatcher buffer full, event dropped"), apperrors.ErrUnavailable)
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.Mark(errors.New("dispatcher is closed"), apperrors.ErrUnavailable)
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times parked behind an open breaker
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	Parked        int   `json:"parked"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	Skipped       int64 `json:"skipped"`
	Requeued      int64 `json:"requeued"`
	RetriesTotal  int64 `json:"retries_total"`
	BreakersTotal int   `json:"breakers_total"`
	BreakersOpen  int   `json:"breakers_open"`
}
