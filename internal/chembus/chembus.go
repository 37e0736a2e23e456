// Package chembus implements the intra-host pub/sub fabric carrying typed
// signals between the core components. Subscribers match by exact label or
// label prefix and drain bounded queues on their own dispatch goroutines.
package chembus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/logging"
	"github.com/HomoYouDidnt/kloros/internal/metrics"
)

// ErrBackpressure marks a message refused because a critical subscriber
// queue stayed full past the blocking budget.
var ErrBackpressure = errors.New("bus backpressure")

// Well-known signal labels.
const (
	SignalObservation  = "OBSERVATION"
	SignalHeartbeat    = "HEARTBEAT"
	SignalScheduleTick = "Q_SCHEDULE_TICK"

	GovBackpressure         = "governance.backpressure"
	GovSubscriberQuarantine = "governance.subscriber_quarantined"
	GovRateLimited          = "governance.rate_limited"
)

// Message is the bus envelope.
type Message struct {
	Signal    string                 `json:"signal"`
	Ecosystem string                 `json:"ecosystem"`
	Intensity float64                `json:"intensity"`
	Facts     map[string]interface{} `json:"facts"`
	TS        time.Time              `json:"ts"`
	Sender    string                 `json:"sender"`
	// Signature carries the HMAC for OBSERVATION messages.
	Signature string `json:"signature,omitempty"`
	// Seq is assigned by the bus; strictly increasing per bus instance.
	Seq uint64 `json:"seq"`
}

// Handler is invoked on the subscriber's dispatch goroutine. It must not
// block the dispatcher.
type Handler func(Message)

// Options configures a Bus.
type Options struct {
	// QueueSize bounds each subscriber queue.
	QueueSize int
	// RateLimitPerSec is the per-publisher token bucket refill rate.
	RateLimitPerSec float64
	// SubscriberErrorThreshold quarantines a subscriber after this many
	// consecutive handler panics.
	SubscriberErrorThreshold int
	// CriticalBlock is how long publishers wait on a full queue for
	// critical topics before failing.
	CriticalBlock time.Duration
	// QuarantineCooldown is how long a quarantined subscriber stays muted.
	QuarantineCooldown time.Duration
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// DefaultOptions returns bus defaults matching the lifecycle policy.
func DefaultOptions() Options {
	return Options{
		QueueSize:                1024,
		RateLimitPerSec:          1000,
		SubscriberErrorThreshold: 10,
		CriticalBlock:            250 * time.Millisecond,
		QuarantineCooldown:       time.Minute,
	}
}

// Bus is the shared signal fabric. Construct once at startup, Close at exit.
type Bus struct {
	opts Options

	mu   sync.RWMutex
	subs map[string]*subscriber

	seq atomic.Uint64

	bucketMu sync.Mutex
	buckets  map[string]*tokenBucket
	warned   map[string]bool // rate-limit warning emitted once per sender

	closed atomic.Bool
	wg     sync.WaitGroup
}

type subscriber struct {
	name   string
	prefix string
	niche  string
	handler Handler
	queue  chan Message
	done   chan struct{}

	consecutiveErrs  atomic.Int64
	quarantinedUntil atomic.Int64 // unix nanos; 0 means healthy
	dropped          atomic.Int64
}

// New constructs a Bus and starts no goroutines until the first Subscribe.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.CriticalBlock <= 0 {
		opts.CriticalBlock = 250 * time.Millisecond
	}
	if opts.QuarantineCooldown <= 0 {
		opts.QuarantineCooldown = time.Minute
	}
	return &Bus{
		opts:    opts,
		subs:    make(map[string]*subscriber),
		buckets: make(map[string]*tokenBucket),
		warned:  make(map[string]bool),
	}
}

// Subscribe registers a handler for every message whose signal label starts
// with prefix (empty prefix matches all). The name must be unique.
func (b *Bus) Subscribe(prefix string, handler Handler, name, niche string) error {
	if handler == nil {
		return fmt.Errorf("handler required")
	}
	if name == "" {
		return fmt.Errorf("subscriber name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q already registered", name)
	}
	s := &subscriber{
		name:    name,
		prefix:  prefix,
		niche:   niche,
		handler: handler,
		queue:   make(chan Message, b.opts.QueueSize),
		done:    make(chan struct{}),
	}
	b.subs[name] = s
	b.wg.Add(1)
	go b.dispatch(s)
	logging.BusDebug("subscribed %s prefix=%q niche=%s", name, prefix, niche)
	return nil
}

// Unsubscribe removes a subscription and stops its dispatcher.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	s, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if ok {
		close(s.done)
	}
}

// Publisher returns a named handle for emitting signals.
func (b *Bus) Publisher(name string) *Publisher {
	return &Publisher{bus: b, name: name}
}

// Publisher is a named emission handle.
type Publisher struct {
	bus  *Bus
	name string
}

// Emit publishes a signal. Fire-and-forget for non-critical topics; critical
// topics (OBSERVATION, governance.*) may block briefly under backpressure.
func (p *Publisher) Emit(signal, ecosystem string, intensity float64, facts map[string]interface{}) error {
	return p.bus.emit(Message{
		Signal:    signal,
		Ecosystem: ecosystem,
		Intensity: intensity,
		Facts:     facts,
		Sender:    p.name,
	}, false)
}

// EmitSigned publishes an OBSERVATION-style message carrying an HMAC.
func (p *Publisher) EmitSigned(signal, ecosystem string, intensity float64, facts map[string]interface{}, signature string) error {
	return p.bus.emit(Message{
		Signal:    signal,
		Ecosystem: ecosystem,
		Intensity: intensity,
		Facts:     facts,
		Sender:    p.name,
		Signature: signature,
	}, false)
}

// critical topics block briefly instead of dropping.
func isCritical(signal string) bool {
	return signal == SignalObservation || strings.HasPrefix(signal, "governance.")
}

func (b *Bus) emit(msg Message, internal bool) error {
	if b.closed.Load() {
		return fmt.Errorf("bus closed")
	}

	// Rate limit per publisher; internal governance traffic is exempt so a
	// storm of drops cannot silence its own reporting.
	if !internal && b.opts.RateLimitPerSec > 0 && !b.takeToken(msg.Sender) {
		b.warnRateLimited(msg.Sender)
		return nil
	}

	if msg.TS.IsZero() {
		msg.TS = time.Now()
	}
	msg.Seq = b.seq.Add(1)
	if b.opts.Metrics != nil {
		b.opts.Metrics.BusEmitted.Inc()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if strings.HasPrefix(msg.Signal, s.prefix) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	critical := isCritical(msg.Signal)
	for _, s := range targets {
		b.deliver(s, msg, critical && !internal, !internal)
	}
	return nil
}

// deliver enqueues for one subscriber. Internal governance traffic never
// reports its own drops, so backpressure cannot recurse.
func (b *Bus) deliver(s *subscriber, msg Message, blockOnFull, reportDrop bool) {
	if until := s.quarantinedUntil.Load(); until > 0 {
		if time.Now().UnixNano() < until {
			return
		}
		s.quarantinedUntil.Store(0)
		s.consecutiveErrs.Store(0)
	}

	select {
	case s.queue <- msg:
		return
	default:
	}

	if blockOnFull {
		select {
		case s.queue <- msg:
			return
		case <-time.After(b.opts.CriticalBlock):
		}
	}

	s.dropped.Add(1)
	if b.opts.Metrics != nil {
		b.opts.Metrics.BusDropped.WithLabelValues(msg.Signal).Inc()
	}
	if !reportDrop {
		return
	}
	logging.Get(logging.CategoryBus).Warn("dropped %s for lagging subscriber %s (depth=%d)",
		msg.Signal, s.name, len(s.queue))
	b.emitGovernance(GovBackpressure, map[string]interface{}{
		"subscriber":  s.name,
		"queue_depth": len(s.queue),
		"signal":      msg.Signal,
	})
}

// emitGovernance publishes an internal governance signal without recursing
// into backpressure handling.
func (b *Bus) emitGovernance(signal string, facts map[string]interface{}) {
	_ = b.emit(Message{
		Signal:    signal,
		Ecosystem: "core",
		Facts:     facts,
		Sender:    "chembus",
	}, true)
}

func (b *Bus) dispatch(s *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			b.invoke(s, msg)
		}
	}
}

func (b *Bus) invoke(s *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			errs := s.consecutiveErrs.Add(1)
			logging.Get(logging.CategoryBus).Error("handler %s panicked on %s: %v (consecutive=%d)",
				s.name, msg.Signal, r, errs)
			if b.opts.SubscriberErrorThreshold > 0 && errs >= int64(b.opts.SubscriberErrorThreshold) {
				until := time.Now().Add(b.opts.QuarantineCooldown)
				s.quarantinedUntil.Store(until.UnixNano())
				b.emitGovernance(GovSubscriberQuarantine, map[string]interface{}{
					"subscriber": s.name,
					"errors":     errs,
					"until":      until.Unix(),
				})
			}
		}
	}()
	s.handler(msg)
	s.consecutiveErrs.Store(0)
}

func (b *Bus) warnRateLimited(sender string) {
	b.bucketMu.Lock()
	already := b.warned[sender]
	b.warned[sender] = true
	b.bucketMu.Unlock()
	if already {
		return
	}
	logging.Get(logging.CategoryBus).Warn("publisher %s exceeded rate limit, excess dropped", sender)
	b.emitGovernance(GovRateLimited, map[string]interface{}{"publisher": sender})
}

// Stats is a point-in-time view of bus health.
type Stats struct {
	Subscribers  int
	TotalEmitted uint64
	Dropped      map[string]int64
}

// GetStats returns current bus statistics.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Subscribers:  len(b.subs),
		TotalEmitted: b.seq.Load(),
		Dropped:      make(map[string]int64, len(b.subs)),
	}
	for name, s := range b.subs {
		st.Dropped[name] = s.dropped.Load()
	}
	return st
}

// Close stops all dispatchers. Components never assume a new bus appears
// mid-lifetime; construct at startup, close at exit.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	for name, s := range b.subs {
		close(s.done)
		delete(b.subs, name)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
