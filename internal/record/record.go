// Package record defines the immutable log record model shared by the
// stream, the engine, and the state projections.
package record

import (
	"encoding/json"
	"fmt"
)

// KeyAbsent marks a record that is not yet addressed to an entity, e.g. a
// creation command before a key has been assigned.
const KeyAbsent int64 = -1

// Type distinguishes the three kinds of records on the stream.
type Type string

const (
	TypeCommand   Type = "COMMAND"
	TypeEvent     Type = "EVENT"
	TypeRejection Type = "REJECTION"
)

// ValueType identifies the domain schema of a record's payload.
type ValueType string

const (
	ValueTypeProcessInstance ValueType = "PROCESS_INSTANCE"
	ValueTypeJob             ValueType = "JOB"
	ValueTypeTimer           ValueType = "TIMER"
	ValueTypeError           ValueType = "ERROR"
)

// Intent is the specific action or outcome within a value type.
type Intent string

// Process instance intents.
const (
	IntentActivateElement  Intent = "ACTIVATE_ELEMENT"
	IntentCompleteElement  Intent = "COMPLETE_ELEMENT"
	IntentTerminateElement Intent = "TERMINATE_ELEMENT"

	IntentElementActivating Intent = "ELEMENT_ACTIVATING"
	IntentElementActivated  Intent = "ELEMENT_ACTIVATED"
	IntentElementCompleted  Intent = "ELEMENT_COMPLETED"
	IntentElementTerminated Intent = "ELEMENT_TERMINATED"
)

// Job intents.
const (
	IntentCreateJob   Intent = "CREATE"
	IntentCompleteJob Intent = "COMPLETE"
	IntentFailJob     Intent = "FAIL"

	IntentJobCreated   Intent = "CREATED"
	IntentJobCompleted Intent = "COMPLETED"
	IntentJobFailed    Intent = "FAILED"
)

// Timer intents.
const (
	IntentTriggerTimer   Intent = "TRIGGER"
	IntentTimerTriggered Intent = "TRIGGERED"
)

// Error intents.
const (
	IntentErrorCreated Intent = "ERROR_CREATED"
)

// RejectionType classifies why a command was rejected.
type RejectionType string

const (
	RejectionNullVal         RejectionType = "NULL_VAL"
	RejectionInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectionNotFound        RejectionType = "NOT_FOUND"
	RejectionInvalidState    RejectionType = "INVALID_STATE"
	RejectionProcessingError RejectionType = "PROCESSING_ERROR"
)

// Record is one immutable unit read from or appended to the stream. Position
// is assigned by the stream writer and is strictly increasing within a
// partition. SourcePosition points at the command that caused this record,
// or is zero for records written by an external intake.
type Record struct {
	Position       int64           `json:"position"`
	SourcePosition int64           `json:"sourcePosition,omitempty"`
	Key            int64           `json:"key"`
	Type           Type            `json:"recordType"`
	ValueType      ValueType       `json:"valueType"`
	Intent         Intent          `json:"intent"`
	RequestID      string          `json:"requestId,omitempty"`
	RejectionType  RejectionType   `json:"rejectionType,omitempty"`
	Rejection      string          `json:"rejectionReason,omitempty"`
	Value          json.RawMessage `json:"value"`
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s.%s key=%d pos=%d", r.Type, r.ValueType, r.Intent, r.Key, r.Position)
}

// ProcessRelated is implemented by payload values that belong to a process
// instance. The engine uses it to resolve the owning entity when deciding
// whether a failed command blacklists the instance.
type ProcessRelated interface {
	ProcessInstanceKey() int64
}

// ProcessInstanceValue is the payload of process instance records.
type ProcessInstanceValue struct {
	ProcessKey int64  `json:"processInstanceKey"`
	ElementID  string `json:"elementId"`
	BPMNType   string `json:"bpmnElementType,omitempty"`
}

func (v *ProcessInstanceValue) ProcessInstanceKey() int64 { return v.ProcessKey }

// JobValue is the payload of job records.
type JobValue struct {
	ProcessKey int64  `json:"processInstanceKey"`
	JobType    string `json:"type"`
	Worker     string `json:"worker,omitempty"`
	Retries    int    `json:"retries"`
}

func (v *JobValue) ProcessInstanceKey() int64 { return v.ProcessKey }

// TimerValue is the payload of timer records.
type TimerValue struct {
	ProcessKey int64  `json:"processInstanceKey"`
	TargetID   string `json:"targetElementId"`
	DueDate    int64  `json:"dueDate"`
}

func (v *TimerValue) ProcessInstanceKey() int64 { return v.ProcessKey }

// ErrorValue is the payload of ERROR_CREATED events written when command
// processing fails unrecoverably. It references the offending record so
// operators can trace the failure.
type ErrorValue struct {
	Message       string `json:"exceptionMessage"`
	ErrorPosition int64  `json:"errorEventPosition"`
	ProcessKey    int64  `json:"processInstanceKey,omitempty"`
}

func (v *ErrorValue) ProcessInstanceKey() int64 { return v.ProcessKey }

// DecodeValue unmarshals the record's payload into its typed value. Unknown
// value types return an error; the engine treats records it cannot decode as
// not process-related.
func DecodeValue(r *Record) (any, error) {
	var v any
	switch r.ValueType {
	case ValueTypeProcessInstance:
		v = &ProcessInstanceValue{}
	case ValueTypeJob:
		v = &JobValue{}
	case ValueTypeTimer:
		v = &TimerValue{}
	case ValueTypeError:
		v = &ErrorValue{}
	default:
		return nil, fmt.Errorf("no value schema registered for %q", r.ValueType)
	}
	if len(r.Value) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return nil, fmt.Errorf("decode %s value: %w", r.ValueType, err)
	}
	return v, nil
}

// MustMarshal encodes a payload value, panicking on failure. Payload structs
// contain only JSON-encodable fields, so a failure is a programming error.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal record value: %v", err))
	}
	return b
}
