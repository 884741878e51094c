package feed_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/feed"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
)

func TestRunRedialsUnderBackoffAndEndsDisconnected(t *testing.T) {
	// With a dialer that always errors, Run keeps redialing under backoff
	// and reports DISCONNECTED once ctx is cancelled.
	c := cache.New(zap.NewNop(), 30*time.Second)
	bus := telemetry.New(zap.NewNop(), telemetry.DefaultConfig())
	defer bus.Shutdown(time.Second)

	attempts := 0
	dial := func(ctx context.Context, url string) (*websocket.Conn, error) {
		attempts++
		return nil, errors.New("dial refused")
	}

	cfg := feed.DefaultConfig("wss://example.invalid")
	cfg.BackoffMin = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	ing := feed.New(zap.NewNop(), bus, c, dial, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	ing.Run(ctx)

	if attempts < 2 {
		t.Fatalf("expected multiple dial attempts under backoff, got %d", attempts)
	}
	if ing.State() != feed.StateDisconnected {
		t.Fatalf("expected disconnected state after ctx cancel, got %s", ing.State())
	}
}

func TestSkipAutoInitWaitsForForceReconnect(t *testing.T) {
	c := cache.New(zap.NewNop(), 30*time.Second)
	bus := telemetry.New(zap.NewNop(), telemetry.DefaultConfig())
	defer bus.Shutdown(time.Second)

	dialed := make(chan struct{}, 1)
	dial := func(ctx context.Context, url string) (*websocket.Conn, error) {
		select {
		case dialed <- struct{}{}:
		default:
		}
		return nil, errors.New("no real socket in test")
	}

	cfg := feed.DefaultConfig("wss://example.invalid")
	cfg.SkipAutoInit = true
	cfg.BackoffMin = 5 * time.Millisecond
	ing := feed.New(zap.NewNop(), bus, c, dial, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ing.Run(ctx)
		close(done)
	}()

	select {
	case <-dialed:
		t.Fatalf("dialer should not be called before ForceReconnect with skip_auto_init set")
	case <-time.After(20 * time.Millisecond):
	}

	ing.ForceReconnect()
	select {
	case <-dialed:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("expected a dial attempt after ForceReconnect")
	}
	<-done
}
