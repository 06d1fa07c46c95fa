package stub

import (
	"context"
	"errors"
	"sync"

	"solana-fastpath/internal/solana"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("stub subscriber closed")

// LogSubscriber implements solana.LogSubscriber in memory.
type LogSubscriber struct {
	mu           sync.Mutex
	nextID       int64
	subs         map[int64]*solana.Subscription
	filters      map[int64]solana.LogsFilter
	subscribeErr error
	unsubscribed []int64
	closed       bool
}

var _ solana.LogSubscriber = (*LogSubscriber)(nil)

// NewLogSubscriber creates an empty stub subscriber.
func NewLogSubscriber() *LogSubscriber {
	return &LogSubscriber{
		subs:    make(map[int64]*solana.Subscription),
		filters: make(map[int64]solana.LogsFilter),
	}
}

// SetSubscribeError makes SubscribeLogs fail until cleared with nil.
func (s *LogSubscriber) SetSubscribeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeErr = err
}

// SubscribeLogs registers a new in-memory subscription.
func (s *LogSubscriber) SubscribeLogs(_ context.Context, filter solana.LogsFilter) (*solana.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.nextID++
	sub := solana.NewSubscription(s.nextID, 1024)
	s.subs[s.nextID] = sub
	s.filters[s.nextID] = filter
	return sub, nil
}

// Unsubscribe closes the subscription cleanly.
func (s *LogSubscriber) Unsubscribe(_ context.Context, id int64) error {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	delete(s.filters, id)
	s.unsubscribed = append(s.unsubscribed, id)
	s.mu.Unlock()
	if ok {
		sub.Close(nil)
	}
	return nil
}

// Close fails every subscription.
func (s *LogSubscriber) Close() error {
	s.Fail(ErrClosed)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Emit publishes n to every subscription whose filter mentions address.
// An empty address reaches all subscriptions.
func (s *LogSubscriber) Emit(address string, n solana.LogNotification) int {
	s.mu.Lock()
	var targets []*solana.Subscription
	for id, sub := range s.subs {
		if address == "" || mentions(s.filters[id], address) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Publish(n) {
			delivered++
		}
	}
	return delivered
}

// Fail ends every subscription with err, as a dropped connection would.
func (s *LogSubscriber) Fail(err error) {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[int64]*solana.Subscription)
	s.filters = make(map[int64]solana.LogsFilter)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close(err)
	}
}

// Active returns the number of open subscriptions.
func (s *LogSubscriber) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Unsubscribed returns the IDs passed to Unsubscribe.
func (s *LogSubscriber) Unsubscribed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.unsubscribed...)
}

func mentions(f solana.LogsFilter, address string) bool {
	for _, m := range f.Mentions {
		if m == address {
			return true
		}
	}
	return false
}
