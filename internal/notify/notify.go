// Package notify provides async delivery of run status events with
// buffering and retry.
package notify

import (
	"context"
	"errors"

	"matrixci/pkg/cloudevent"
)

// ErrBufferFull is returned when the notifier's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// Notifier handles async delivery of status events.
type Notifier interface {
	// Notify queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Notify(event *Event) error

	// Stats returns current notifier statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is a status event to be delivered to a callback endpoint.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds notifier statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
