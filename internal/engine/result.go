package engine

import (
	"encoding/json"

	"github.com/tidemill/keel/internal/record"
)

// Response is the reply staged for the command's originator, correlated by
// the command's request ID.
type Response struct {
	RequestID       string
	Key             int64
	ValueType       record.ValueType
	Intent          record.Intent
	RejectionType   record.RejectionType
	RejectionReason string
	Value           json.RawMessage
}

// Rejected reports whether the response is a rejection.
func (r *Response) Rejected() bool {
	return r.RejectionType != ""
}

// ProcessingResult is the outcome of handling one record: the follow-up
// records to append, the response to deliver (if any), and the post-commit
// side effects. Ownership passes to the driver at commit time.
type ProcessingResult struct {
	Records    []record.Record
	Response   *Response
	PostCommit []PostCommitTask
}

// Empty reports whether the result carries no records, response, or tasks.
func (r ProcessingResult) Empty() bool {
	return len(r.Records) == 0 && r.Response == nil && len(r.PostCommit) == 0
}

// EmptyResult is returned for skipped records.
var EmptyResult = ProcessingResult{}

// ResultBuilder accumulates one record's processing result. It implements
// both writer interfaces handed to handlers. Built fresh for every record by
// the driver.
type ResultBuilder struct {
	sourcePosition int64
	records        []record.Record
	response       *Response
	postCommit     []PostCommitTask
}

// NewResultBuilder creates a builder for the record at sourcePosition; all
// appended follow-up records point back at it.
func NewResultBuilder(sourcePosition int64) *ResultBuilder {
	return &ResultBuilder{sourcePosition: sourcePosition}
}

// AppendFollowUpEvent stages an event record caused by the current record.
func (b *ResultBuilder) AppendFollowUpEvent(key int64, vt record.ValueType, intent record.Intent, value any) {
	b.append(record.TypeEvent, key, vt, intent, "", "", value)
}

// AppendFollowUpCommand stages a command record caused by the current record.
func (b *ResultBuilder) AppendFollowUpCommand(key int64, vt record.ValueType, intent record.Intent, value any) {
	b.append(record.TypeCommand, key, vt, intent, "", "", value)
}

// AppendRejection stages a rejection record for the given command.
func (b *ResultBuilder) AppendRejection(cmd *record.Record, rt record.RejectionType, reason string) {
	rec := record.Record{
		SourcePosition: b.sourcePosition,
		Key:            cmd.Key,
		Type:           record.TypeRejection,
		ValueType:      cmd.ValueType,
		Intent:         cmd.Intent,
		RejectionType:  rt,
		Rejection:      reason,
		Value:          cmd.Value,
	}
	b.records = append(b.records, rec)
}

func (b *ResultBuilder) append(rt record.Type, key int64, vt record.ValueType, intent record.Intent, rejType record.RejectionType, reason string, value any) {
	var raw json.RawMessage
	switch v := value.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		raw = record.MustMarshal(v)
	}
	b.records = append(b.records, record.Record{
		SourcePosition: b.sourcePosition,
		Key:            key,
		Type:           rt,
		ValueType:      vt,
		Intent:         intent,
		RejectionType:  rejType,
		Rejection:      reason,
		Value:          raw,
	})
}

// WriteEventResponse stages a success response for the command's originator.
// Commands without a request ID get no response.
func (b *ResultBuilder) WriteEventResponse(cmd *record.Record, key int64, intent record.Intent, value any) {
	if cmd.RequestID == "" {
		return
	}
	var raw json.RawMessage
	switch v := value.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		raw = record.MustMarshal(v)
	}
	b.response = &Response{
		RequestID: cmd.RequestID,
		Key:       key,
		ValueType: cmd.ValueType,
		Intent:    intent,
		Value:     raw,
	}
}

// WriteRejectionResponse stages a rejection response for the command's
// originator.
func (b *ResultBuilder) WriteRejectionResponse(cmd *record.Record, rt record.RejectionType, reason string) {
	if cmd.RequestID == "" {
		return
	}
	b.response = &Response{
		RequestID:       cmd.RequestID,
		Key:             cmd.Key,
		ValueType:       cmd.ValueType,
		Intent:          cmd.Intent,
		RejectionType:   rt,
		RejectionReason: reason,
		Value:           cmd.Value,
	}
}

// SetPostCommitTask registers the post-commit side effect for this record,
// replacing any previously registered one.
func (b *ResultBuilder) SetPostCommitTask(task PostCommitTask) {
	b.postCommit = b.postCommit[:0]
	if task != nil {
		b.postCommit = append(b.postCommit, task)
	}
}

// Build returns the accumulated result.
func (b *ResultBuilder) Build() ProcessingResult {
	return ProcessingResult{
		Records:    b.records,
		Response:   b.response,
		PostCommit: b.postCommit,
	}
}
