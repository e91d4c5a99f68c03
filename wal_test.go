package match

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSubmitRecordShape(t *testing.T) {
	order := NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.NewFromInt(5))
	order.Quantity = decimal.NewFromInt(2) // partially filled

	rec := submitRecord(order)
	data, err := json.Marshal(rec)
	assert.NoError(t, err)

	var decoded map[string]any
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "submit", decoded["type"])

	orderField := decoded["order"].(map[string]any)
	assert.Equal(t, "o-1", orderField["id"])
	assert.Equal(t, "buy", orderField["side"])
	assert.Equal(t, float64(Limit), orderField["order_type"])
	// The journal records the original quantity, not the residual.
	assert.Equal(t, "5", orderField["quantity"])
}

func TestWALWriterRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.wal")

	wal := &walWriter{}
	assert.True(t, wal.start(path))
	// A second start while running is refused.
	assert.False(t, wal.start(path))

	wal.append(submitRecord(NewOrder("o-1", "BTC-USD", Buy, Limit, decimal.NewFromInt(100), decimal.NewFromInt(5))))
	qty := decimal.NewFromInt(3)
	wal.append(&walRecord{Type: walModify, OrderID: "o-1", NewQuantity: &qty})
	wal.append(&walRecord{Type: walCancel, OrderID: "o-1"})
	wal.stop()

	var records []walRecord
	ok := scanWAL(path, func(rec *walRecord) {
		records = append(records, *rec)
	})
	assert.True(t, ok)
	assert.Len(t, records, 3)

	assert.Equal(t, walSubmit, records[0].Type)
	assert.Equal(t, "o-1", records[0].Order.ID)
	assert.Equal(t, walModify, records[1].Type)
	assert.True(t, records[1].NewQuantity.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, walCancel, records[2].Type)
	assert.Equal(t, "o-1", records[2].OrderID)
}

func TestWALAppendAfterStopIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.wal")

	wal := &walWriter{}
	assert.True(t, wal.start(path))
	wal.stop()
	wal.append(&walRecord{Type: walCancel, OrderID: "o-1"})

	count := 0
	assert.True(t, scanWAL(path, func(*walRecord) { count++ }))
	assert.Equal(t, 0, count)
}

func TestScanWALSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.wal")

	content := `{"type":"cancel","order_id":"o-1"}
this line is not json
{"type":"cancel","order_id":"o-2"}

`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	var ids []string
	ok := scanWAL(path, func(rec *walRecord) {
		ids = append(ids, rec.OrderID)
	})
	assert.True(t, ok)
	assert.Equal(t, []string{"o-1", "o-2"}, ids)
}

func TestScanWALMissingFile(t *testing.T) {
	ok := scanWAL(filepath.Join(t.TempDir(), "absent.wal"), func(*walRecord) {
		t.Fatal("apply should not be called")
	})
	assert.False(t, ok)
}
