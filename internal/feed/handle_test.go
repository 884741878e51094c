package feed

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// TestHandleMessageDecodesBarFields guards against JSON tag collisions on
// inboundBar: if two fields ever share a tag, encoding/json silently drops
// all of them and every OHLCV value decodes to zero.
func TestHandleMessageDecodesBarFields(t *testing.T) {
	c := cache.New(zap.NewNop(), 30*time.Second)
	c.RegisterRing("RELIANCE", types.Bar1m, 10)
	bus := telemetry.New(zap.NewNop(), telemetry.DefaultConfig())
	defer bus.Shutdown(time.Second)

	ing := New(zap.NewNop(), bus, c, nil, DefaultConfig("wss://example.invalid"))

	payload := []byte(`{"kind":"bar","symbol":"RELIANCE","bar_size":"1m","o":100.5,"h":101.25,"l":99.75,"c":100.9,"v":12345,"start_ts":1690000000000}`)
	ing.handleMessage(payload)

	bars, err := c.History("RELIANCE", types.Bar1m, 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("expected one bar appended, got %d", len(bars))
	}
	bar := bars[0]
	if bar.Open.InexactFloat64() != 100.5 {
		t.Fatalf("expected open 100.5, got %v", bar.Open)
	}
	if bar.High.InexactFloat64() != 101.25 {
		t.Fatalf("expected high 101.25, got %v", bar.High)
	}
	if bar.Low.InexactFloat64() != 99.75 {
		t.Fatalf("expected low 99.75, got %v", bar.Low)
	}
	if bar.Close.InexactFloat64() != 100.9 {
		t.Fatalf("expected close 100.9, got %v", bar.Close)
	}
	if bar.Volume.InexactFloat64() != 12345 {
		t.Fatalf("expected volume 12345, got %v", bar.Volume)
	}
}
