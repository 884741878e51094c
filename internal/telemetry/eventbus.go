// Package telemetry provides the orchestrator's structured logging
// companion: an in-process event bus for per-tick counters, regime
// transitions and risk alerts, plus a Prometheus metrics registry.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType categorizes events carried on the bus.
type EventType string

const (
	EventTick        EventType = "tick"
	EventCycle       EventType = "cycle"
	EventRegime      EventType = "regime_change"
	EventSignal      EventType = "signal"
	EventOrder       EventType = "order"
	EventFill        EventType = "fill"
	EventRiskAlert   EventType = "risk_alert"
	EventConnection  EventType = "connection"
	EventPosition    EventType = "position"
)

// Event is the common interface every published event satisfies.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common fields of every concrete event.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) GetType() EventType      { return e.Type }
func (e BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e BaseEvent) GetID() string           { return e.ID }

func newBase(t EventType, now time.Time) BaseEvent {
	return BaseEvent{ID: uuid.NewString(), Type: t, Timestamp: now}
}

// NewCycleEvent reports the per-orchestrator-tick observability counters
// named in §4.6 bullet 6: signals proposed, filtered, rejected, submitted.
func NewCycleEvent(now time.Time, proposed, filtered, rejected, submitted int) CycleEvent {
	return CycleEvent{
		BaseEvent: newBase(EventCycle, now),
		Proposed:  proposed,
		Filtered:  filtered,
		Rejected:  rejected,
		Submitted: submitted,
	}
}

// CycleEvent carries one orchestrator tick's signal funnel counts.
type CycleEvent struct {
	BaseEvent
	Proposed  int `json:"proposed"`
	Filtered  int `json:"filtered"`
	Rejected  int `json:"rejected"`
	Submitted int `json:"submitted"`
}

// NewRegimeEvent reports a regime recomputation.
func NewRegimeEvent(now time.Time, bias, zone, action string, strength decimal.Decimal) RegimeEvent {
	return RegimeEvent{
		BaseEvent: newBase(EventRegime, now),
		Bias:      bias,
		MoveZone:  zone,
		MRAction:  action,
		Strength:  strength,
	}
}

// RegimeEvent carries a recomputed MarketRegime.
type RegimeEvent struct {
	BaseEvent
	Bias     string          `json:"bias"`
	MoveZone string          `json:"moveZone"`
	MRAction string          `json:"mrAction"`
	Strength decimal.Decimal `json:"strength"`
}

// NewRiskAlertEvent reports a risk-significant condition (unprotected
// position, rate-limit saturation, daily loss brake, emergency exit).
func NewRiskAlertEvent(now time.Time, alertType, severity, symbol, message string) RiskAlertEvent {
	return RiskAlertEvent{
		BaseEvent: newBase(EventRiskAlert, now),
		AlertType: alertType,
		Severity:  severity,
		Symbol:    symbol,
		Message:   message,
	}
}

// RiskAlertEvent carries a structured risk warning.
type RiskAlertEvent struct {
	BaseEvent
	AlertType string `json:"alertType"`
	Severity  string `json:"severity"` // info, warning, critical
	Symbol    string `json:"symbol,omitempty"`
	Message   string `json:"message"`
}

// NewConnectionEvent reports a FeedIngestor state transition.
func NewConnectionEvent(now time.Time, state string, connected bool) ConnectionEvent {
	return ConnectionEvent{BaseEvent: newBase(EventConnection, now), State: state, Connected: connected}
}

// ConnectionEvent carries a FeedIngestor connection-state transition.
type ConnectionEvent struct {
	BaseEvent
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// Handler processes one event; a returned error is logged, never propagated.
type Handler func(Event) error

// Subscription is an active registration on the bus.
type Subscription struct {
	id        string
	eventType EventType
	handler   Handler
	active    atomic.Bool
}

// Cancel deactivates the subscription; in-flight deliveries still complete.
func (s *Subscription) Cancel() { s.active.Store(false) }

// Config configures the event bus worker pool.
type Config struct {
	Workers    int
	BufferSize int
}

// DefaultConfig returns sensible defaults for a single-process orchestrator.
func DefaultConfig() Config {
	return Config{Workers: 8, BufferSize: 4096}
}

// EventBus is the orchestrator-wide pub/sub used for telemetry fan-out.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*Subscription
	all         []*Subscription

	eventCh chan Event
	logger  *zap.Logger

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an event bus and starts its worker pool.
func New(logger *zap.Logger, cfg Config) *EventBus {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventCh:     make(chan Event, cfg.BufferSize),
		logger:      logger.Named("telemetry"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		eb.wg.Add(1)
		go eb.worker(i)
	}
	return eb
}

func (eb *EventBus) worker(id int) {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case ev := <-eb.eventCh:
			eb.dispatch(ev)
		}
	}
}

func (eb *EventBus) dispatch(ev Event) {
	eb.mu.RLock()
	subs := eb.subscribers[ev.GetType()]
	all := eb.all
	eb.mu.RUnlock()

	for _, s := range subs {
		eb.invoke(s, ev)
	}
	for _, s := range all {
		eb.invoke(s, ev)
	}
	eb.processed.Add(1)
}

func (eb *EventBus) invoke(s *Subscription, ev Event) {
	if !s.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic",
				zap.String("subscription_id", s.id),
				zap.String("event_type", string(ev.GetType())),
				zap.Any("panic", r))
		}
	}()
	if err := s.handler(ev); err != nil {
		eb.logger.Warn("event handler error",
			zap.String("subscription_id", s.id),
			zap.String("event_type", string(ev.GetType())),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	sub := &Subscription{id: "sub_" + strconv.FormatInt(time.Now().UnixNano(), 36), eventType: t, handler: h}
	sub.active.Store(true)
	eb.subscribers[t] = append(eb.subscribers[t], sub)
	return sub
}

// SubscribeAll registers a handler invoked for every published event.
func (eb *EventBus) SubscribeAll(h Handler) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	sub := &Subscription{id: "sub_" + strconv.FormatInt(time.Now().UnixNano(), 36), handler: h}
	sub.active.Store(true)
	eb.all = append(eb.all, sub)
	return sub
}

// Publish enqueues an event for async delivery; drops (with a counter
// increment, never a block) if the buffer is saturated.
func (eb *EventBus) Publish(ev Event) {
	eb.published.Add(1)
	select {
	case eb.eventCh <- ev:
	default:
		eb.dropped.Add(1)
		eb.logger.Warn("event bus buffer full, dropping event", zap.String("event_type", string(ev.GetType())))
	}
}

// Stats is a point-in-time snapshot of bus throughput counters.
type Stats struct {
	Published int64
	Processed int64
	Dropped   int64
}

// Snapshot returns the current counters.
func (eb *EventBus) Snapshot() Stats {
	return Stats{Published: eb.published.Load(), Processed: eb.processed.Load(), Dropped: eb.dropped.Load()}
}

// Shutdown stops the worker pool, waiting up to timeout for in-flight
// deliveries to finish.
func (eb *EventBus) Shutdown(timeout time.Duration) {
	eb.cancel()
	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		eb.logger.Warn("event bus shutdown timed out waiting for workers")
	}
}
