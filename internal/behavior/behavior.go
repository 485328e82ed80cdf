// Package behavior holds the built-in command handlers: element lifecycle
// for process instances, job management, and due-date timers. Handlers never
// mutate the projection directly; every state change is expressed as a
// follow-up event so replay rebuilds the identical projection.
package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/schedule"
	"github.com/tidemill/keel/internal/state"
)

// Registrations returns the full built-in handler set for engine.Init.
func Registrations(store *state.Store, scheduler *schedule.Service) []engine.Registration {
	elements := &elementHandler{store: store}
	jobs := &jobHandler{store: store}
	timers := &timerHandler{scheduler: scheduler, now: time.Now}

	return []engine.Registration{
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeProcessInstance, Intent: record.IntentActivateElement, Handler: elements},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeProcessInstance, Intent: record.IntentCompleteElement, Handler: elements},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeProcessInstance, Intent: record.IntentTerminateElement, Handler: elements},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeJob, Intent: record.IntentCreateJob, Handler: jobs},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeJob, Intent: record.IntentCompleteJob, Handler: jobs},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeJob, Intent: record.IntentFailJob, Handler: jobs},
		{RecordType: record.TypeCommand, ValueType: record.ValueTypeTimer, Intent: record.IntentTriggerTimer, Handler: timers},
	}
}

// elementHandler drives the element instance lifecycle.
type elementHandler struct {
	store *state.Store
}

func (h *elementHandler) Accepts(vt record.ValueType) bool {
	return vt == record.ValueTypeProcessInstance
}

func (h *elementHandler) ProcessRecord(ctx context.Context, _ int64, rec *record.Record,
	resp engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {

	existing, err := h.store.Get(ctx, rec.Key, record.ValueTypeProcessInstance)
	if err != nil {
		return fmt.Errorf("read element state: %w", err)
	}

	switch rec.Intent {
	case record.IntentActivateElement:
		if existing != nil {
			reason := fmt.Sprintf("element instance %d is already active", rec.Key)
			stream.AppendRejection(rec, record.RejectionInvalidState, reason)
			resp.WriteRejectionResponse(rec, record.RejectionInvalidState, reason)
			return nil
		}
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementActivating, rec.Value)
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementActivated, rec.Value)
		resp.WriteEventResponse(rec, rec.Key, record.IntentElementActivated, rec.Value)

	case record.IntentCompleteElement:
		if existing == nil {
			return h.rejectMissing(rec, resp, stream)
		}
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementCompleted, existing)
		resp.WriteEventResponse(rec, rec.Key, record.IntentElementCompleted, existing)

	case record.IntentTerminateElement:
		if existing == nil {
			return h.rejectMissing(rec, resp, stream)
		}
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementTerminated, existing)
		resp.WriteEventResponse(rec, rec.Key, record.IntentElementTerminated, existing)
	}
	return nil
}

func (h *elementHandler) rejectMissing(rec *record.Record, resp engine.ResponseWriter, stream engine.StreamWriter) error {
	reason := fmt.Sprintf("no active element instance with key %d", rec.Key)
	stream.AppendRejection(rec, record.RejectionNotFound, reason)
	resp.WriteRejectionResponse(rec, record.RejectionNotFound, reason)
	return nil
}

// jobHandler manages job records. Completed jobs leave the projection;
// failed jobs stay with their retry count decremented.
type jobHandler struct {
	store *state.Store
}

const defaultJobRetries = 3

func (h *jobHandler) Accepts(vt record.ValueType) bool {
	return vt == record.ValueTypeJob
}

func (h *jobHandler) ProcessRecord(ctx context.Context, _ int64, rec *record.Record,
	resp engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {

	switch rec.Intent {
	case record.IntentCreateJob:
		job, err := decodeJob(rec.Value)
		if err != nil {
			reason := err.Error()
			stream.AppendRejection(rec, record.RejectionInvalidArgument, reason)
			resp.WriteRejectionResponse(rec, record.RejectionInvalidArgument, reason)
			return nil
		}
		if job.Retries <= 0 {
			job.Retries = defaultJobRetries
		}
		value := record.MustMarshal(job)
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentJobCreated, value)
		resp.WriteEventResponse(rec, rec.Key, record.IntentJobCreated, value)

	case record.IntentCompleteJob:
		existing, err := h.store.Get(ctx, rec.Key, record.ValueTypeJob)
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}
		if existing == nil {
			return h.rejectMissing(rec, resp, stream)
		}
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentJobCompleted, existing)
		resp.WriteEventResponse(rec, rec.Key, record.IntentJobCompleted, existing)

	case record.IntentFailJob:
		existing, err := h.store.Get(ctx, rec.Key, record.ValueTypeJob)
		if err != nil {
			return fmt.Errorf("read job state: %w", err)
		}
		if existing == nil {
			return h.rejectMissing(rec, resp, stream)
		}
		job, err := decodeJob(existing)
		if err != nil {
			return fmt.Errorf("decode stored job %d: %w", rec.Key, err)
		}
		if job.Retries > 0 {
			job.Retries--
		}
		value := record.MustMarshal(job)
		stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentJobFailed, value)
		resp.WriteEventResponse(rec, rec.Key, record.IntentJobFailed, value)
	}
	return nil
}

func (h *jobHandler) rejectMissing(rec *record.Record, resp engine.ResponseWriter, stream engine.StreamWriter) error {
	reason := fmt.Sprintf("no job with key %d", rec.Key)
	stream.AppendRejection(rec, record.RejectionNotFound, reason)
	resp.WriteRejectionResponse(rec, record.RejectionNotFound, reason)
	return nil
}

func decodeJob(value []byte) (*record.JobValue, error) {
	v, err := record.DecodeValue(&record.Record{ValueType: record.ValueTypeJob, Value: value})
	if err != nil {
		return nil, err
	}
	return v.(*record.JobValue), nil
}

// timerHandler fires timers. A trigger command that arrives before its due
// date is deferred through the scheduling service, which re-submits the same
// command when the deadline passes; a due trigger produces the TRIGGERED
// event immediately.
type timerHandler struct {
	scheduler *schedule.Service
	now       func() time.Time
}

func (h *timerHandler) Accepts(vt record.ValueType) bool {
	return vt == record.ValueTypeTimer
}

func (h *timerHandler) ProcessRecord(_ context.Context, _ int64, rec *record.Record,
	resp engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {

	v, err := record.DecodeValue(rec)
	if err != nil {
		reason := err.Error()
		stream.AppendRejection(rec, record.RejectionInvalidArgument, reason)
		resp.WriteRejectionResponse(rec, record.RejectionInvalidArgument, reason)
		return nil
	}
	timer := v.(*record.TimerValue)

	due := time.UnixMilli(timer.DueDate)
	if remaining := due.Sub(h.now()); timer.DueDate > 0 && remaining > 0 {
		key, value := rec.Key, append([]byte(nil), rec.Value...)
		h.scheduler.RunDelayed(remaining, func(rb *schedule.ResultBuilder) error {
			rb.AppendCommand(key, record.ValueTypeTimer, record.IntentTriggerTimer, value)
			return nil
		})
		resp.WriteEventResponse(rec, rec.Key, record.IntentTriggerTimer, rec.Value)
		return nil
	}

	stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentTimerTriggered, rec.Value)
	resp.WriteEventResponse(rec, rec.Key, record.IntentTimerTriggered, rec.Value)
	return nil
}
