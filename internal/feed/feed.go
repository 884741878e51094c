// Package feed implements FeedIngestor (C2): a reconnecting push-feed
// client that writes into the MarketDataCache, adapted from the
// teacher's websocket-backed MarketDataService (internal/data/market_data.go)
// and generalized into the full DISCONNECTED/CONNECTING/CONNECTED/BACKOFF
// state machine the specification requires.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// State is a FeedIngestor connection-lifecycle state.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateBackoff      State = "BACKOFF"
	StateDormant      State = "DORMANT"
)

// ErrAlreadyConnected is the provider error text §4.2 reacts to with a
// graceful takeover.
var ErrAlreadyConnected = errors.New("feed: user already connected")

// inboundTick is the wire shape of a trade tick message.
type inboundTick struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp int64           `json:"timestamp"`
}

// inboundBar is the wire shape of a periodic bar update message.
type inboundBar struct {
	Symbol  string  `json:"symbol"`
	BarSize string  `json:"bar_size"`
	O       float64 `json:"o"`
	H       float64 `json:"h"`
	L       float64 `json:"l"`
	C       float64 `json:"c"`
	V       float64 `json:"v"`
	StartTS int64   `json:"start_ts"`
}

// Dialer abstracts the websocket connection so tests can substitute a fake.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// Config configures one FeedIngestor instance.
type Config struct {
	URL            string
	SkipAutoInit   bool
	DataTimeout    time.Duration // heartbeat: force reconnect if no tick within this
	TakeoverGrace  time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	MaxTakeoverRetries int
}

// DefaultConfig matches §6's feed_heartbeat_ms and skip_auto_init defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:                url,
		DataTimeout:        300 * time.Second,
		TakeoverGrace:      15 * time.Second,
		BackoffMin:         1 * time.Second,
		BackoffMax:         60 * time.Second,
		MaxTakeoverRetries: 3,
	}
}

// Ingestor is FeedIngestor (C2).
type Ingestor struct {
	cfg    Config
	cache  *cache.Cache
	dial   Dialer
	logger *zap.Logger
	bus    *telemetry.EventBus

	state      atomic.Value // State
	lastTickAt atomic.Int64 // unix nanos

	mu          sync.Mutex
	conn        *websocket.Conn
	takeoverFails int

	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates an Ingestor. If cfg.SkipAutoInit is set, the ingestor starts
// DISCONNECTED and Run blocks until ForceReconnect is called — the
// break-glass mechanism for deploy overlap.
func New(logger *zap.Logger, bus *telemetry.EventBus, c *cache.Cache, dial Dialer, cfg Config) *Ingestor {
	ing := &Ingestor{cfg: cfg, cache: c, dial: dial, logger: logger.Named("feed"), bus: bus, stop: make(chan struct{})}
	ing.state.Store(StateDisconnected)
	return ing
}

// State returns the current connection state.
func (ing *Ingestor) State() State {
	return ing.state.Load().(State)
}

// Connected reports whether the ingestor currently has a live session.
func (ing *Ingestor) Connected() bool {
	return ing.State() == StateConnected
}

func (ing *Ingestor) setState(s State) {
	ing.state.Store(s)
	if ing.bus != nil {
		ing.bus.Publish(telemetry.NewConnectionEvent(time.Now(), string(s), s == StateConnected))
	}
	ing.logger.Info("feed state transition", zap.String("state", string(s)))
}

// ForceReconnect implements the feed_force_reconnect() control-surface
// command and the break-glass path out of skip_auto_init.
func (ing *Ingestor) ForceReconnect() {
	select {
	case ing.stop <- struct{}{}:
	default:
	}
}

// Run drives the connection lifecycle until ctx is cancelled. It
// suspends only in the network read and the backoff sleep; both honor
// ctx and the stop channel.
func (ing *Ingestor) Run(ctx context.Context) {
	ing.wg.Add(1)
	defer ing.wg.Done()

	if ing.cfg.SkipAutoInit {
		ing.logger.Info("skip_auto_init set, waiting for explicit command")
		select {
		case <-ctx.Done():
			return
		case <-ing.stop:
		}
	}

	backoff := ing.cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			ing.setState(StateDisconnected)
			return
		default:
		}

		ing.setState(StateConnecting)
		conn, err := ing.dial(ctx, ing.cfg.URL)
		if err != nil {
			if errors.Is(err, ErrAlreadyConnected) {
				if !ing.gracefulTakeover(ctx) {
					ing.setState(StateDormant)
					ing.logger.Error("feed dormant after repeated failed takeovers; awaiting operator intervention")
					<-ing.waitForStopOrCtx(ctx)
					continue
				}
				backoff = ing.cfg.BackoffMin
				continue
			}

			ing.setState(StateBackoff)
			ing.logger.Warn("feed connect failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !ing.sleepBackoff(ctx, backoff) {
				ing.setState(StateDisconnected)
				return
			}
			backoff = nextBackoff(backoff, ing.cfg.BackoffMax)
			continue
		}

		ing.mu.Lock()
		ing.conn = conn
		ing.mu.Unlock()
		ing.setState(StateConnected)
		ing.lastTickAt.Store(time.Now().UnixNano())
		backoff = ing.cfg.BackoffMin
		ing.takeoverFails = 0

		ing.readLoop(ctx, conn)
	}
}

func (ing *Ingestor) waitForStopOrCtx(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-ing.stop:
		}
		close(done)
	}()
	return done
}

// gracefulTakeover handles a provider report that another session is
// already live: it waits takeover_grace, then lets the caller redial. It
// does not open a secondary session to force the old one off. Returns
// false once the provider has reported an existing session more than
// MaxTakeoverRetries times since the last successful connect, or when
// ctx is cancelled during the wait.
func (ing *Ingestor) gracefulTakeover(ctx context.Context) bool {
	ing.takeoverFails++
	if ing.takeoverFails > ing.cfg.MaxTakeoverRetries {
		return false
	}
	ing.logger.Warn("provider reports existing session, attempting graceful takeover",
		zap.Int("attempt", ing.takeoverFails))

	select {
	case <-time.After(ing.cfg.TakeoverGrace):
	case <-ctx.Done():
		return false
	}
	return true
}

func (ing *Ingestor) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-ing.stop:
		return true
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		next = max
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4 + 1))
	return next + jitter
}

func (ing *Ingestor) readLoop(ctx context.Context, conn *websocket.Conn) {
	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()

	msgCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			default:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ing.stop:
			conn.Close()
			return
		case err := <-errCh:
			ing.logger.Warn("feed read error, reconnecting", zap.Error(err))
			conn.Close()
			return
		case <-heartbeat.C:
			last := time.Unix(0, ing.lastTickAt.Load())
			if time.Since(last) > ing.cfg.DataTimeout {
				ing.logger.Warn("feed heartbeat exceeded, forcing reconnect", zap.Duration("since_last_tick", time.Since(last)))
				conn.Close()
				return
			}
		case msg := <-msgCh:
			ing.handleMessage(msg)
		}
	}
}

func (ing *Ingestor) handleMessage(data []byte) {
	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	switch envelope.Kind {
	case "tick":
		var t inboundTick
		if err := json.Unmarshal(data, &t); err != nil {
			ing.logger.Debug("failed to parse tick", zap.Error(err))
			return
		}
		ing.lastTickAt.Store(time.Now().UnixNano())
		ing.cache.PutTick(t.Symbol, types.Tick{
			Symbol: t.Symbol, LTP: t.LTP, Bid: t.Bid, Ask: t.Ask, Volume: t.Volume,
			Timestamp: time.Unix(0, t.Timestamp*int64(time.Millisecond)),
		})
	case "bar":
		var b inboundBar
		if err := json.Unmarshal(data, &b); err != nil {
			ing.logger.Debug("failed to parse bar", zap.Error(err))
			return
		}
		ing.cache.AppendBar(b.Symbol, types.BarSize(b.BarSize), types.Bar{
			Start: time.Unix(0, b.StartTS*int64(time.Millisecond)), Size: types.BarSize(b.BarSize),
			Open: decimal.NewFromFloat(b.O), High: decimal.NewFromFloat(b.H),
			Low: decimal.NewFromFloat(b.L), Close: decimal.NewFromFloat(b.C),
			Volume: decimal.NewFromFloat(b.V),
		})
	}
}

// Shutdown signals Run to exit and waits for it to return.
func (ing *Ingestor) Shutdown() {
	close(ing.stop)
	ing.wg.Wait()
}
