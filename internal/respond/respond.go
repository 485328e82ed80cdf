// Package respond correlates engine responses back to command originators.
// Each command submitted through an intake carries a request ID; at most one
// response is delivered per ID. Responses for unknown or already-answered
// IDs are dropped — the record and its outcome remain on the stream either
// way.
package respond

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/log"
)

// Dispatcher is the in-process response channel. Register is called by the
// intake goroutine, Dispatch by the processing goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]chan engine.Response
	logger  *slog.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		pending: make(map[string]chan engine.Response),
		logger:  log.WithComponent("respond"),
	}
}

// NewRequestID returns a fresh correlation ID for a command.
func NewRequestID() string {
	return uuid.NewString()
}

// Register reserves a channel for the response to requestID. The returned
// channel receives at most one response and is closed after delivery or
// Cancel.
func (d *Dispatcher) Register(requestID string) <-chan engine.Response {
	ch := make(chan engine.Response, 1)
	d.mu.Lock()
	d.pending[requestID] = ch
	d.mu.Unlock()
	return ch
}

// Cancel drops the reservation for requestID, e.g. when the caller gave up
// waiting. A response arriving afterwards is discarded.
func (d *Dispatcher) Cancel(requestID string) {
	d.mu.Lock()
	ch, ok := d.pending[requestID]
	if ok {
		delete(d.pending, requestID)
	}
	d.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Dispatch delivers a response to its waiting originator. Unknown request
// IDs are logged and dropped.
func (d *Dispatcher) Dispatch(resp engine.Response) {
	if resp.RequestID == "" {
		return
	}
	d.mu.Lock()
	ch, ok := d.pending[resp.RequestID]
	if ok {
		delete(d.pending, resp.RequestID)
	}
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("dropping response with no waiting originator", "request_id", resp.RequestID)
		return
	}
	ch <- resp
	close(ch)
}

// PendingCount returns the number of unanswered registrations.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
