package engine

import (
	"context"

	"github.com/tidemill/keel/internal/record"
)

//go:generate mockgen -destination=mocks/mock_handler.go -package=mocks github.com/tidemill/keel/internal/engine Handler

// PostCommitTask is a side effect deferred until the current batch of
// records has been durably committed.
type PostCommitTask func() error

// SideEffectFn lets a handler register the post-commit side effect for the
// record being processed. Registering again replaces any previously
// registered side effect: at most one side-effect set survives per record.
type SideEffectFn func(task PostCommitTask)

// StreamWriter appends follow-up records to the result under construction.
// Nothing reaches the stream until the driver commits the result.
type StreamWriter interface {
	AppendFollowUpEvent(key int64, vt record.ValueType, intent record.Intent, value any)
	AppendFollowUpCommand(key int64, vt record.ValueType, intent record.Intent, value any)
	AppendRejection(cmd *record.Record, rt record.RejectionType, reason string)
}

// ResponseWriter stages at most one response to the command's originator.
// Writing without a request ID is a no-op: only records that arrived through
// the intake carry one.
type ResponseWriter interface {
	WriteEventResponse(cmd *record.Record, key int64, intent record.Intent, value any)
	WriteRejectionResponse(cmd *record.Record, rt record.RejectionType, reason string)
}

// Handler is the contract implemented by the workflow construct processors
// that plug into the engine. Implementations must confine their effects to
// the state store and the writers they are handed.
type Handler interface {
	// Accepts reports whether the handler can process records of the given
	// value type.
	Accepts(vt record.ValueType) bool

	// ProcessRecord handles one committed command. Returned errors are
	// converted by the engine's recovery path into a rejection record and
	// response; they never halt the partition.
	ProcessRecord(ctx context.Context, position int64, rec *record.Record,
		resp ResponseWriter, stream StreamWriter, sideEffect SideEffectFn) error
}

// Registration binds a handler to one (record type, value type, intent)
// triple at engine initialization.
type Registration struct {
	RecordType record.Type
	ValueType  record.ValueType
	Intent     record.Intent
	Handler    Handler
}
