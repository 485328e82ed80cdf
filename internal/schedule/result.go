package schedule

import (
	"encoding/json"

	"github.com/tidemill/keel/internal/record"
)

// ResultBuilder collects the records a task wants appended to the stream.
// The driver commits them after the task returns; they are then dispatched
// like any other record.
type ResultBuilder struct {
	records []record.Record
}

// AppendCommand adds a follow-up command record.
func (b *ResultBuilder) AppendCommand(key int64, vt record.ValueType, intent record.Intent, value json.RawMessage) {
	b.records = append(b.records, record.Record{
		Key:       key,
		Type:      record.TypeCommand,
		ValueType: vt,
		Intent:    intent,
		Value:     value,
	})
}

// Records returns the accumulated records in append order.
func (b *ResultBuilder) Records() []record.Record {
	return b.records
}
