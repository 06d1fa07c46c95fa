package solana

import (
	"context"
	"sync"
)

// LogSubscriber defines the Solana logsSubscribe surface.
type LogSubscriber interface {
	// SubscribeLogs subscribes to program logs matching the filter.
	SubscribeLogs(ctx context.Context, filter LogsFilter) (*Subscription, error)

	// Unsubscribe cancels a subscription on the node and closes its handle.
	Unsubscribe(ctx context.Context, id int64) error

	// Close closes the WebSocket connection and fails every open subscription.
	Close() error
}

// LogsFilter defines subscription filter for logs.
type LogsFilter struct {
	// Mentions filters logs that mention any of these program IDs.
	Mentions []string
}

// LogNotification represents a logs subscription message.
type LogNotification struct {
	Signature string
	Slot      int64
	Logs      []string
	Err       interface{}
}

// Subscription is the handle for one logsSubscribe stream.
// Notifications stop once Done is closed; Err reports why.
type Subscription struct {
	id   int64
	ch   chan LogNotification
	done chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSubscription creates a handle with the given notification buffer.
func NewSubscription(id int64, buf int) *Subscription {
	return &Subscription{
		id:   id,
		ch:   make(chan LogNotification, buf),
		done: make(chan struct{}),
	}
}

// ID returns the node-assigned subscription ID.
func (s *Subscription) ID() int64 {
	return s.id
}

// Notifications returns the stream of log notifications.
func (s *Subscription) Notifications() <-chan LogNotification {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure that ended the subscription, nil on clean unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Publish delivers a notification, blocking while the buffer is full.
// Returns false once the subscription is closed.
func (s *Subscription) Publish(n LogNotification) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- n:
		return true
	case <-s.done:
		return false
	}
}

// Close ends the subscription. Only the first call has effect.
func (s *Subscription) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}
