package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// Ledger is the append-only write side of the "Position store for user
// analytics" contract in §6: one TradeRecord per executed signal, with
// primary key, positive quantity and populated user_id enforced at write
// time.
type Ledger struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
}

// NewLedger opens (or creates) the trade-record ledger file under dataDir.
func NewLedger(logger *zap.Logger, dataDir string) (*Ledger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	return &Ledger{logger: logger.Named("store.ledger"), path: filepath.Join(dataDir, "trades.jsonl")}, nil
}

// Append validates and writes one TradeRecord as a JSON line.
func (l *Ledger) Append(rec types.TradeRecord) error {
	if rec.TradeID == "" {
		return fmt.Errorf("trade record missing primary key")
	}
	if rec.Quantity <= 0 {
		return fmt.Errorf("trade record %s has non-positive quantity %d", rec.TradeID, rec.Quantity)
	}
	if rec.UserID == "" {
		return fmt.Errorf("trade record %s missing user_id", rec.TradeID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening ledger file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling trade record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending trade record: %w", err)
	}
	return nil
}
