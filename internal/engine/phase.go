package engine

import (
	"fmt"
	"sync/atomic"
)

// Phase is the processor lifecycle state. It is owned by the engine;
// transitions are driven by the partition driver (replay completion) and by
// the external host (pause, resume, close). The scheduling service reads it
// to gate task execution.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseInitializing
	PhaseReplaying
	PhaseProcessing
	PhasePaused
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseReplaying:
		return "replaying"
	case PhaseProcessing:
		return "processing"
	case PhasePaused:
		return "paused"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// ErrWrongPhase is returned when an operation is invoked in a lifecycle
// phase that does not permit it.
var ErrWrongPhase = fmt.Errorf("operation not valid in current phase")

// phaseVar is an atomic Phase holder. The processing goroutine writes it;
// the scheduler eligibility check and the ops API read it from other
// goroutines.
type phaseVar struct {
	v atomic.Int32
}

func (p *phaseVar) get() Phase       { return Phase(p.v.Load()) }
func (p *phaseVar) set(next Phase)   { p.v.Store(int32(next)) }
func (p *phaseVar) cas(old, next Phase) bool {
	return p.v.CompareAndSwap(int32(old), int32(next))
}
