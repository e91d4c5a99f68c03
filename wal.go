package match

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"github.com/shopspring/decimal"
)

// WAL record kinds. One self-describing JSON object per line; records
// for a symbol appear in the order they took effect.
const (
	walSubmit    = "submit"
	walCancel    = "cancel"
	walModify    = "modify"
	walActivated = "activated"
	walTrade     = "trade"
)

type walOrder struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	OrderType int             `json:"order_type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type walRecord struct {
	Type        string           `json:"type"`
	Order       *walOrder        `json:"order,omitempty"`
	OrderID     string           `json:"order_id,omitempty"`
	NewQuantity *decimal.Decimal `json:"new_quantity,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	Trade       *Trade           `json:"trade,omitempty"`
}

func submitRecord(order *Order) *walRecord {
	return &walRecord{
		Type: walSubmit,
		Order: &walOrder{
			ID:        order.ID,
			Symbol:    order.Symbol,
			Side:      order.Side.String(),
			OrderType: int(order.Type),
			Price:     order.Price,
			Quantity:  order.OriginalQuantity,
		},
	}
}

// walWriter is the append-only journal. Every record is flushed before
// the write returns so the journal entry is durable before the mutation
// it describes becomes externally visible.
type walWriter struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	enabled bool
}

// start opens (or creates) the journal at path in append mode.
func (wal *walWriter) start(path string) bool {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if wal.enabled {
		return false
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.Error("failed to open WAL", "path", path, "error", err)
		return false
	}

	wal.file = file
	wal.w = bufio.NewWriter(file)
	wal.enabled = true
	return true
}

// stop disables writing and closes the file.
func (wal *walWriter) stop() {
	wal.mu.Lock()
	defer wal.mu.Unlock()

	if !wal.enabled {
		return
	}
	wal.enabled = false

	if err := wal.w.Flush(); err != nil {
		logger.Error("failed to flush WAL on stop", "error", err)
	}
	if err := wal.file.Close(); err != nil {
		logger.Error("failed to close WAL", "error", err)
	}
	wal.file = nil
	wal.w = nil
}

// append writes one record and flushes it. A nil receiver or disabled
// journal is a no-op so call sites stay unconditional.
func (wal *walWriter) append(rec *walRecord) {
	if wal == nil {
		return
	}

	wal.mu.Lock()
	defer wal.mu.Unlock()

	if !wal.enabled {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		logger.Error("failed to marshal WAL record", "type", rec.Type, "error", err)
		return
	}

	if _, err := wal.w.Write(append(data, '\n')); err != nil {
		logger.Error("failed to write WAL record", "error", err)
		return
	}
	if err := wal.w.Flush(); err != nil {
		logger.Error("failed to flush WAL", "error", err)
	}
}

// scanWAL reads the journal at path line by line and hands each parsed
// record to apply. Malformed lines are logged and skipped; an unreadable
// file returns false.
func scanWAL(path string, apply func(*walRecord)) bool {
	file, err := os.Open(path)
	if err != nil {
		logger.Error("failed to open WAL for replay", "path", path, "error", err)
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Error("skipping malformed WAL line", "line", lineNo, "error", err)
			continue
		}

		apply(&rec)
	}

	if err := scanner.Err(); err != nil {
		logger.Error("failed while reading WAL", "path", path, "error", err)
		return false
	}

	return true
}
