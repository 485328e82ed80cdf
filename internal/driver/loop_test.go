package driver

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/keel/internal/engine"
	"github.com/tidemill/keel/internal/events"
	"github.com/tidemill/keel/internal/metrics"
	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/respond"
	"github.com/tidemill/keel/internal/schedule"
	"github.com/tidemill/keel/internal/state"
	"github.com/tidemill/keel/internal/storage"
	"github.com/tidemill/keel/internal/stream"
)

// stubHandler adapts a function to engine.Handler.
type stubHandler struct {
	valueType record.ValueType
	fn        func(ctx context.Context, pos int64, rec *record.Record,
		resp engine.ResponseWriter, stream engine.StreamWriter, sideEffect engine.SideEffectFn) error
}

func (h *stubHandler) Accepts(vt record.ValueType) bool { return vt == h.valueType }

func (h *stubHandler) ProcessRecord(ctx context.Context, pos int64, rec *record.Record,
	resp engine.ResponseWriter, stream engine.StreamWriter, sideEffect engine.SideEffectFn) error {
	return h.fn(ctx, pos, rec, resp, stream, sideEffect)
}

func activation(calls *atomic.Int64) engine.Registration {
	return engine.Registration{
		RecordType: record.TypeCommand,
		ValueType:  record.ValueTypeProcessInstance,
		Intent:     record.IntentActivateElement,
		Handler: &stubHandler{
			valueType: record.ValueTypeProcessInstance,
			fn: func(_ context.Context, _ int64, rec *record.Record,
				_ engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {
				if calls != nil {
					calls.Add(1)
				}
				stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementActivating, rec.Value)
				return nil
			},
		},
	}
}

// loopFixture is an initialized driver whose loop is NOT running, so tests
// can step through handleRecord and waitIdle directly.
type loopFixture struct {
	eng       *engine.Engine
	d         *Driver
	db        *sql.DB
	lg        *stream.Log
	blacklist *state.Blacklist
}

func newLoopFixture(t *testing.T, regs ...engine.Registration) *loopFixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng := engine.New()
	scheduler := schedule.NewService(func() bool { return eng.Phase() == engine.PhaseProcessing })
	store := state.NewStore(db)
	blacklist := state.NewBlacklist(db)
	require.NoError(t, eng.Init(engine.Context{
		Store:         store,
		Blacklist:     blacklist,
		Scheduler:     scheduler,
		Registrations: regs,
	}))
	require.NoError(t, eng.StartReplay())
	require.NoError(t, eng.CompleteReplay())

	lg := stream.Open(db)
	d := New(
		Config{Partition: 1, IdleWait: 50 * time.Millisecond},
		eng, lg, store, respond.NewDispatcher(), events.NewHub(16), metrics.NewCollector(),
	)
	return &loopFixture{eng: eng, d: d, db: db, lg: lg, blacklist: blacklist}
}

func (f *loopFixture) appendCommand(t *testing.T, key int64) record.Record {
	t.Helper()
	appended, err := f.lg.Append(context.Background(), []record.Record{{
		Key:       key,
		Type:      record.TypeCommand,
		ValueType: record.ValueTypeProcessInstance,
		Intent:    record.IntentActivateElement,
		Value: record.MustMarshal(&record.ProcessInstanceValue{
			ProcessKey: key,
			ElementID:  "task-a",
		}),
	}})
	require.NoError(t, err)
	return appended[0]
}

// A pause can land between the loop's phase check and dispatch. The record
// must stay pending, with no rejection, no blacklisting, and no cursor
// movement, and then process normally after resume.
func TestPauseBetweenPhaseCheckAndDispatchLeavesCommandPending(t *testing.T) {
	var calls atomic.Int64
	f := newLoopFixture(t, activation(&calls))
	ctx := context.Background()

	cmd := f.appendCommand(t, 10)
	require.NoError(t, f.eng.Pause())

	require.NoError(t, f.d.handleRecord(ctx, &cmd))

	assert.Zero(t, f.d.Cursor())
	assert.Zero(t, calls.Load())

	rest, err := f.lg.Read(ctx, cmd.Position, 10)
	require.NoError(t, err)
	assert.Empty(t, rest, "no rejection or error event may be written")

	blacklisted, err := f.blacklist.Contains(ctx, 10)
	require.NoError(t, err)
	assert.False(t, blacklisted)

	require.NoError(t, f.eng.Resume())
	require.NoError(t, f.d.handleRecord(ctx, &cmd))
	assert.Equal(t, cmd.Position, f.d.Cursor())
	assert.Equal(t, int64(1), calls.Load())
}

func TestBlacklistReadFailureStopsTheLoop(t *testing.T) {
	f := newLoopFixture(t, activation(nil))
	ctx := context.Background()

	cmd := f.appendCommand(t, 10)
	require.NoError(t, f.db.Close())

	err := f.d.handleRecord(ctx, &cmd)
	require.ErrorIs(t, err, engine.ErrStateUnavailable)
	assert.Zero(t, f.d.Cursor(), "a failed read must not advance the cursor")
}

func TestWaitIdleWhilePausedIgnoresDueTasks(t *testing.T) {
	f := newLoopFixture(t)
	require.NoError(t, f.eng.Pause())

	f.d.scheduler.RunDelayed(0, func(*schedule.ResultBuilder) error { return nil })
	// Drain the enqueue notification; the wait below must come from the
	// backstop timer, not from a past-due deadline shrinking the delay.
	select {
	case <-f.d.scheduler.Notify():
	default:
	}

	start := time.Now()
	f.d.waitIdle(context.Background())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"a due task must not wake a paused loop")
}
