// Package eventsub keeps logsSubscribe streams alive for a watch list of
// program addresses, repairs gaps by backfilling from signature history and
// delivers normalized records to one consumer.
package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/clock"
	"solana-fastpath/internal/connection"
	"solana-fastpath/internal/discovery"
	"solana-fastpath/internal/domain"
	"solana-fastpath/internal/idhash"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/solana"
)

var (
	// ErrAlreadyStarted is returned by Start while the service runs.
	ErrAlreadyStarted = errors.New("event subscription service already started")
	// ErrStopped is returned by operations after Stop.
	ErrStopped = errors.New("event subscription service stopped")
	// ErrTerminal reports that reconnect attempts were exhausted.
	ErrTerminal = errors.New("event subscription service gave up reconnecting")
	// ErrNoSubscriber is returned when the active connection has no WebSocket.
	ErrNoSubscriber = errors.New("active connection has no websocket")

	errEndpointChanged = errors.New("active endpoint changed")
)

// ConnectionSource provides the active connection. *connection.Manager implements it.
type ConnectionSource interface {
	GetConnection() (*connection.ActiveConnection, error)
	ReportFailure(err error)
	OnHealthy(fn func())
}

// EventHandler consumes every delivered record.
type EventHandler func(ctx context.Context, rec domain.EventRecord)

// TypedHandler consumes classified events of one kind.
type TypedHandler func(ctx context.Context, ev discovery.Event)

// Options configures the Service.
type Options struct {
	Clock   clock.Clock
	Logger  *logrus.Entry
	Metrics *observability.Metrics
	// Deduper drops records whose (address, signature) was already delivered. Optional.
	Deduper Deduper
	// Classifier defaults to discovery.NewClassifier().
	Classifier *discovery.Classifier

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	// BackfillGap is the slot gap above which a backfill replays history.
	BackfillGap      int64
	BackfillBatch    int
	BackfillMaxPages int
	BackfillInterval time.Duration
	RequestTimeout   time.Duration
	// ResumeSlot, when positive and behind the chain, replaces the slot
	// recorded at Start so the first backfill covers the downtime.
	ResumeSlot int64
}

// DefaultOptions returns the default reconnect and backfill policy.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 10,
		BackoffBase:          time.Second,
		BackoffMax:           60 * time.Second,
		BackfillGap:          100,
		BackfillBatch:        1000,
		BackfillMaxPages:     10,
		BackfillInterval:     30 * time.Second,
		RequestTimeout:       10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = logger.Component("eventsub")
	}
	if o.Classifier == nil {
		o.Classifier = discovery.NewClassifier()
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = def.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = def.BackoffMax
	}
	if o.BackfillGap <= 0 {
		o.BackfillGap = def.BackfillGap
	}
	if o.BackfillBatch <= 0 {
		o.BackfillBatch = def.BackfillBatch
	}
	if o.BackfillMaxPages <= 0 {
		o.BackfillMaxPages = def.BackfillMaxPages
	}
	if o.BackfillInterval <= 0 {
		o.BackfillInterval = def.BackfillInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	return o
}

// subscription is one live logsSubscribe stream for one address.
type subscription struct {
	address string
	handle  *solana.Subscription
	ws      solana.LogSubscriber
	gen     uint64
}

// Service watches program addresses through the active connection.
type Service struct {
	opts    Options
	clock   clock.Clock
	log     *logrus.Entry
	metrics *observability.Metrics

	conns   ConnectionSource
	onEvent EventHandler

	mu                sync.Mutex
	addresses         []string
	subs              []*subscription
	addrSlots         map[string]int64
	lastSlot          int64
	reconnectAttempts int
	reconnectPending  bool
	generation        uint64
	running           bool
	terminal          error
	backoffTimer      clock.Timer
	backfillTimer     clock.Timer
	lastBackfill      *BackfillResult
	handlers          map[domain.EventKind][]TypedHandler
	healthHooked      bool
	ctx               context.Context
	cancel            context.CancelFunc
	done              chan struct{}

	wg         sync.WaitGroup
	deliverMu  sync.Mutex
	backfillMu sync.Mutex
}

// NewService creates a stopped service reading connections from conns.
func NewService(conns ConnectionSource, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		conns:    conns,
		handlers: make(map[domain.EventKind][]TypedHandler),
	}
}

// Handle registers fn for classified events of kind.
func (s *Service) Handle(kind domain.EventKind, fn TypedHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], fn)
}

// Start records the current slot, subscribes once per address and starts the
// periodic backfill. onEvent runs serially, never concurrently with itself.
func (s *Service) Start(ctx context.Context, addresses []string, onEvent EventHandler) error {
	if len(addresses) == 0 {
		return errors.New("no addresses to watch")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	conn, err := s.conns.GetConnection()
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	slot, err := conn.RPC.GetSlot(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	subs, err := s.subscribe(ctx, conn, addresses)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.teardown(subs)
		return ErrAlreadyStarted
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.addresses = append([]string(nil), addresses...)
	s.addrSlots = make(map[string]int64, len(addresses))
	s.onEvent = onEvent
	s.lastSlot = slot
	if r := s.opts.ResumeSlot; r > 0 && r < slot {
		s.lastSlot = r
	}
	s.reconnectAttempts = 0
	s.reconnectPending = false
	s.terminal = nil
	s.running = true
	s.generation++
	s.installLocked(subs)
	s.backfillTimer = clock.Every(s.clock, s.opts.BackfillInterval, s.periodicBackfill)
	hook := !s.healthHooked
	s.healthHooked = true
	s.mu.Unlock()

	if hook {
		s.conns.OnHealthy(s.handleHealthy)
	}
	s.metrics.SetHighestSlot(slot)
	s.log.WithFields(logrus.Fields{"addresses": len(addresses), "slot": slot, "resume_slot": s.opts.ResumeSlot}).Info("Event subscription started")
	return nil
}

// Stop tears down every subscription and timer. It must not be called from a handler.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	subs := s.stopLocked()
	s.mu.Unlock()

	s.teardown(subs)
	s.wg.Wait()
	s.log.Info("Event subscription stopped")
}

// stopLocked halts timers and detaches the subscription set. Caller holds mu.
func (s *Service) stopLocked() []*subscription {
	s.running = false
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
	}
	if s.backfillTimer != nil {
		s.backfillTimer.Stop()
		s.backfillTimer = nil
	}
	subs := s.subs
	s.subs = nil
	s.cancel()
	close(s.done)
	s.metrics.SetSubscriptions(0)
	return subs
}

// Done is closed when the service stops, including a terminal stop.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Err returns ErrTerminal (wrapping the last cause) after reconnects were exhausted.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// subscribe opens one subscription per address on conn. On error every
// subscription opened so far is torn down.
func (s *Service) subscribe(ctx context.Context, conn *connection.ActiveConnection, addresses []string) ([]*subscription, error) {
	if conn.WS == nil {
		return nil, ErrNoSubscriber
	}

	subs := make([]*subscription, 0, len(addresses))
	for _, addr := range addresses {
		sctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		handle, err := conn.WS.SubscribeLogs(sctx, solana.LogsFilter{Mentions: []string{addr}})
		cancel()
		if err != nil {
			s.teardown(subs)
			return nil, fmt.Errorf("subscribe %s: %w", addr, err)
		}
		subs = append(subs, &subscription{address: addr, handle: handle, ws: conn.WS})
		s.log.WithFields(logrus.Fields{"address": addr, "subscription": handle.ID()}).Debug("Subscribed to program logs")
	}
	return subs, nil
}

// installLocked makes subs the live set and starts their readers. Caller holds mu.
func (s *Service) installLocked(subs []*subscription) {
	for _, sub := range subs {
		sub.gen = s.generation
		s.wg.Add(1)
		go s.pump(s.ctx, sub)
	}
	s.subs = subs
	s.metrics.SetSubscriptions(len(subs))
}

// teardown unsubscribes best-effort; errors from a dead socket are expected.
func (s *Service) teardown(subs []*subscription) {
	for _, sub := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		if err := sub.ws.Unsubscribe(ctx, sub.handle.ID()); err != nil {
			s.log.WithError(err).WithField("address", sub.address).Debug("Unsubscribe failed")
		}
		cancel()
		sub.handle.Close(nil)
	}
}

// pump reads one subscription until it ends.
func (s *Service) pump(ctx context.Context, sub *subscription) {
	defer s.wg.Done()
	for {
		select {
		case n := <-sub.handle.Notifications():
			s.handleNotification(ctx, sub, n)
		case <-sub.handle.Done():
			// Drain what arrived before the close.
		drain:
			for {
				select {
				case n := <-sub.handle.Notifications():
					s.handleNotification(ctx, sub, n)
				default:
					break drain
				}
			}
			if err := sub.handle.Err(); err != nil {
				s.handleConnectionError(sub.gen, sub.ws, err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleNotification(ctx context.Context, sub *subscription, n solana.LogNotification) {
	s.mu.Lock()
	if !s.running || sub.gen != s.generation {
		s.mu.Unlock()
		return
	}
	if n.Slot > s.lastSlot {
		s.lastSlot = n.Slot
	}
	if n.Slot > s.addrSlots[sub.address] {
		s.addrSlots[sub.address] = n.Slot
	}
	s.mu.Unlock()

	rec := domain.NewEventRecord(sub.address, n.Signature, n.Slot, n.Logs, n.Err, false, s.clock.Now())
	s.deliver(ctx, rec)
}

// deliver runs the consumer and typed handlers for rec, serialized across
// live and backfilled paths.
func (s *Service) deliver(ctx context.Context, rec domain.EventRecord) {
	if s.opts.Deduper != nil {
		seen, err := s.opts.Deduper.Seen(ctx, idhash.ComputeEventKey(rec.ContractAddress, rec.Signature))
		if err != nil {
			// Delivery stays at-least-once when the deduper is unavailable.
			s.log.WithError(err).WithField("signature", rec.Signature).Warn("Dedupe check failed")
		} else if seen {
			s.metrics.RecordDuplicate()
			return
		}
	}

	s.mu.Lock()
	onEvent := s.onEvent
	handlers := s.handlers
	typed := len(handlers) > 0
	s.mu.Unlock()

	var events []discovery.Event
	if typed {
		events = s.opts.Classifier.Classify(rec)
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if onEvent != nil {
		onEvent(ctx, rec)
	}
	for _, ev := range events {
		s.metrics.RecordClassified(ev.Kind.String())
		s.mu.Lock()
		fns := append([]TypedHandler(nil), handlers[ev.Kind]...)
		s.mu.Unlock()
		for _, fn := range fns {
			fn(ctx, ev)
		}
	}
	s.metrics.RecordEventDelivered(rec.Backfilled, rec.Slot)
}

// handleConnectionError detaches the current subscription set and schedules
// a reconnect. Errors from older generations or while a reconnect is already
// pending are coalesced. The failure is reported to the connection source
// only when ws is still the active socket.
func (s *Service) handleConnectionError(gen uint64, ws solana.LogSubscriber, err error) {
	s.mu.Lock()
	if !s.running || gen != s.generation || s.reconnectPending {
		s.mu.Unlock()
		return
	}
	s.reconnectPending = true
	subs := s.subs
	s.subs = nil
	s.metrics.SetSubscriptions(0)
	s.mu.Unlock()

	s.log.WithError(err).Warn("Subscription failed, reconnecting")
	if ws != nil {
		if conn, cerr := s.conns.GetConnection(); cerr == nil && conn.WS == ws {
			s.conns.ReportFailure(err)
		}
	}
	s.teardown(subs)
	s.scheduleReconnect(err)
}

// scheduleReconnect counts one attempt and arms the backoff timer, or stops
// the service for good once attempts are exhausted.
func (s *Service) scheduleReconnect(cause error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	if attempts > s.opts.MaxReconnectAttempts {
		s.terminal = fmt.Errorf("%w after %d attempts: %v", ErrTerminal, attempts-1, cause)
		subs := s.stopLocked()
		s.mu.Unlock()

		s.teardown(subs)
		s.metrics.RecordReconnect("terminal")
		s.log.WithError(cause).WithField("attempts", attempts-1).Error("Reconnect attempts exhausted, event subscription stopped")
		return
	}
	delay := Backoff(attempts, s.opts.BackoffBase, s.opts.BackoffMax)
	s.backoffTimer = s.clock.AfterFunc(delay, s.reconnect)
	s.mu.Unlock()

	s.metrics.RecordReconnect("scheduled")
	s.log.WithFields(logrus.Fields{"attempt": attempts, "delay": delay}).Info("Reconnect scheduled")
}

// Backoff returns min(max, 2^(attempt-1) * base).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// reconnect resubscribes every address and backfills from the slot seen
// before the outage. attempts reset only when both succeed.
func (s *Service) reconnect() {
	s.mu.Lock()
	if !s.running || !s.reconnectPending {
		s.mu.Unlock()
		return
	}
	s.backoffTimer = nil
	from := s.lastSlot
	addresses := s.addresses
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.conns.GetConnection()
	if err != nil {
		s.failReconnect(nil, err, false)
		return
	}

	subs, err := s.subscribe(ctx, conn, addresses)
	if err != nil {
		s.failReconnect(nil, err, true)
		return
	}

	s.backfillMu.Lock()
	res, err := s.backfill(ctx, conn.RPC, from)
	s.backfillMu.Unlock()
	if err != nil {
		s.failReconnect(subs, fmt.Errorf("backfill: %w", err), true)
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.teardown(subs)
		return
	}
	s.generation++
	s.reconnectPending = false
	s.reconnectAttempts = 0
	s.installLocked(subs)
	s.mu.Unlock()

	s.metrics.RecordReconnect("success")
	s.log.WithFields(logrus.Fields{
		"endpoint":   conn.Endpoint.URL,
		"backfilled": res.Delivered,
		"slot":       res.CurrentSlot,
	}).Info("Resubscribed")
}

func (s *Service) failReconnect(subs []*subscription, err error, report bool) {
	s.teardown(subs)
	s.metrics.RecordReconnect("failure")
	s.log.WithError(err).Warn("Reconnect attempt failed")
	if report {
		s.conns.ReportFailure(err)
	}
	s.scheduleReconnect(err)
}

// handleHealthy is the connection manager's recovery signal. A pending
// reconnect runs immediately; a live set bound to a replaced socket is
// recycled.
func (s *Service) handleHealthy() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.reconnectPending {
		if s.backoffTimer != nil && s.backoffTimer.Stop() {
			s.backoffTimer = nil
			s.mu.Unlock()
			s.log.Info("Connection healthy, reconnecting now")
			s.reconnect()
			return
		}
		s.mu.Unlock()
		return
	}
	gen := s.generation
	var stale bool
	if conn, err := s.conns.GetConnection(); err == nil {
		for _, sub := range s.subs {
			if sub.ws != conn.WS {
				stale = true
				break
			}
		}
	}
	s.mu.Unlock()

	if stale {
		s.handleConnectionError(gen, nil, errEndpointChanged)
	}
}

// SubscriptionStatus is one watched address.
type SubscriptionStatus struct {
	Address        string `json:"address"`
	SubscriptionID int64  `json:"subscriptionId"`
	LastSlot       int64  `json:"lastSlot"`
}

// Status is a point-in-time view of the service.
type Status struct {
	Running           bool                 `json:"running"`
	Terminal          bool                 `json:"terminal"`
	Subscriptions     []SubscriptionStatus `json:"subscriptions"`
	LastProcessedSlot int64                `json:"lastProcessedSlot"`
	ReconnectAttempts int                  `json:"reconnectAttempts"`
	ReconnectPending  bool                 `json:"reconnectPending"`
	LastBackfill      *BackfillResult      `json:"lastBackfill,omitempty"`
}

// GetStatus returns subscriptions, last processed slot and reconnect attempts.
func (s *Service) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:           s.running,
		Terminal:          s.terminal != nil,
		LastProcessedSlot: s.lastSlot,
		ReconnectAttempts: s.reconnectAttempts,
		ReconnectPending:  s.reconnectPending,
	}
	for _, sub := range s.subs {
		st.Subscriptions = append(st.Subscriptions, SubscriptionStatus{
			Address:        sub.address,
			SubscriptionID: sub.handle.ID(),
			LastSlot:       s.addrSlots[sub.address],
		})
	}
	if s.lastBackfill != nil {
		res := *s.lastBackfill
		st.LastBackfill = &res
	}
	return st
}
