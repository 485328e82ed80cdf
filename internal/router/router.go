// Package router maps (record type, value type, intent) triples to their
// registered handler. Registration happens once at engine initialization;
// lookups afterwards are read-only and O(1).
package router

import (
	"fmt"

	"github.com/tidemill/keel/internal/record"
)

// ErrAlreadyRegistered is returned when the same triple is registered twice.
// This is a startup-time configuration error, never a runtime condition.
var ErrAlreadyRegistered = fmt.Errorf("handler already registered")

type key struct {
	recordType record.Type
	valueType  record.ValueType
	intent     record.Intent
}

// Table is the dispatch table. Absence of a handler is a normal outcome —
// the engine skips records nothing is registered for.
type Table[H any] struct {
	handlers map[key]H
}

func NewTable[H any]() *Table[H] {
	return &Table[H]{handlers: make(map[key]H)}
}

// Register binds a handler to the triple. Registering the same triple twice
// fails with ErrAlreadyRegistered.
func (t *Table[H]) Register(rt record.Type, vt record.ValueType, intent record.Intent, h H) error {
	k := key{recordType: rt, valueType: vt, intent: intent}
	if _, exists := t.handlers[k]; exists {
		return fmt.Errorf("%w for (%s, %s, %s)", ErrAlreadyRegistered, rt, vt, intent)
	}
	t.handlers[k] = h
	return nil
}

// Resolve returns the handler for the triple, or false when none is
// registered.
func (t *Table[H]) Resolve(rt record.Type, vt record.ValueType, intent record.Intent) (H, bool) {
	h, ok := t.handlers[key{recordType: rt, valueType: vt, intent: intent}]
	return h, ok
}

// Len returns the number of registered triples.
func (t *Table[H]) Len() int {
	return len(t.handlers)
}
