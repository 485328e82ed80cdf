package driver_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/keel/internal/driver"
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

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// funcHandler adapts a function to engine.Handler for tests.
type funcHandler struct {
	valueType record.ValueType
	fn        func(ctx context.Context, pos int64, rec *record.Record,
		resp engine.ResponseWriter, stream engine.StreamWriter, sideEffect engine.SideEffectFn) error
}

func (h *funcHandler) Accepts(vt record.ValueType) bool { return vt == h.valueType }

func (h *funcHandler) ProcessRecord(ctx context.Context, pos int64, rec *record.Record,
	resp engine.ResponseWriter, stream engine.StreamWriter, sideEffect engine.SideEffectFn) error {
	return h.fn(ctx, pos, rec, resp, stream, sideEffect)
}

// activateHandler is the standard happy-path handler: confirm the element is
// activating and answer the client.
func activateHandler(invocations *atomic.Int64) engine.Registration {
	return engine.Registration{
		RecordType: record.TypeCommand,
		ValueType:  record.ValueTypeProcessInstance,
		Intent:     record.IntentActivateElement,
		Handler: &funcHandler{
			valueType: record.ValueTypeProcessInstance,
			fn: func(_ context.Context, _ int64, rec *record.Record,
				resp engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {
				if invocations != nil {
					invocations.Add(1)
				}
				stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementActivating, rec.Value)
				resp.WriteEventResponse(rec, rec.Key, record.IntentElementActivating, rec.Value)
				return nil
			},
		},
	}
}

func instanceValue(processKey int64) []byte {
	return record.MustMarshal(&record.ProcessInstanceValue{
		ProcessKey: processKey,
		ElementID:  "task-a",
	})
}

type fixture struct {
	t         *testing.T
	db        *sql.DB
	log       *stream.Log
	store     *state.Store
	blacklist *state.Blacklist
	scheduler *schedule.Service
	responder *respond.Dispatcher
	hub       *events.Hub
	driver    *driver.Driver
	cancel    context.CancelFunc
	runErr    chan error
}

func openTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	return db
}

// startFixture builds the full partition stack on a fresh (or reused) SQLite
// file and runs the driver in the background.
func startFixture(t *testing.T, dbPath string, regs ...engine.Registration) *fixture {
	t.Helper()

	db := openTestDB(t, dbPath)
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

	f := &fixture{
		t:         t,
		db:        db,
		log:       stream.Open(db),
		store:     store,
		blacklist: blacklist,
		scheduler: scheduler,
		responder: respond.NewDispatcher(),
		hub:       events.NewHub(64),
		runErr:    make(chan error, 1),
	}
	f.driver = driver.New(
		driver.Config{Partition: 1, IdleWait: 10 * time.Millisecond},
		eng, f.log, store, f.responder, f.hub, metrics.NewCollector(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- f.driver.Run(ctx) }()

	t.Cleanup(func() {
		f.stop()
		_ = db.Close()
	})

	require.Eventually(t, func() bool {
		return f.driver.Phase() == engine.PhaseProcessing
	}, waitFor, tick, "driver never reached processing")
	return f
}

func (f *fixture) stop() {
	f.cancel()
	select {
	case err := <-f.runErr:
		require.NoError(f.t, err)
		f.runErr <- nil
	case <-time.After(waitFor):
		f.t.Fatal("driver did not stop")
	}
}

func TestCommandDispatchEndToEnd(t *testing.T) {
	var calls atomic.Int64
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), activateHandler(&calls))
	ctx := context.Background()

	cmd, resp, err := f.driver.SubmitCommand(ctx, 7, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(70), true)
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.False(t, resp.Rejected())
	assert.Equal(t, int64(7), resp.Key)
	assert.Equal(t, record.IntentElementActivating, resp.Intent)
	assert.Equal(t, int64(1), calls.Load())
	assert.Positive(t, cmd.Position)

	// The follow-up event was applied to the projection at commit time.
	got, err := f.store.Get(ctx, 7, record.ValueTypeProcessInstance)
	require.NoError(t, err)
	assert.JSONEq(t, string(instanceValue(70)), string(got))

	// The stream carries command then event, causally linked.
	recs, err := f.log.Read(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, record.TypeCommand, recs[0].Type)
	assert.Equal(t, record.TypeEvent, recs[1].Type)
	assert.Equal(t, recs[0].Position, recs[1].SourcePosition)
}

func TestUnhandledCommandIsSkipped(t *testing.T) {
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"))
	ctx := context.Background()

	cmd, _, err := f.driver.SubmitCommand(ctx, 1, record.ValueTypeJob,
		record.IntentCreateJob, record.MustMarshal(&record.JobValue{ProcessKey: 5}), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.driver.Cursor() >= cmd.Position
	}, waitFor, tick)

	// Nothing written, nothing projected.
	recs, err := f.log.Read(ctx, cmd.Position, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestProcessingErrorRejectsAndBlacklists(t *testing.T) {
	var calls atomic.Int64
	failing := engine.Registration{
		RecordType: record.TypeCommand,
		ValueType:  record.ValueTypeProcessInstance,
		Intent:     record.IntentActivateElement,
		Handler: &funcHandler{
			valueType: record.ValueTypeProcessInstance,
			fn: func(_ context.Context, _ int64, _ *record.Record,
				_ engine.ResponseWriter, _ engine.StreamWriter, _ engine.SideEffectFn) error {
				calls.Add(1)
				return errors.New("variable lookup failed")
			},
		},
	}
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), failing)
	ctx := context.Background()

	_, resp, err := f.driver.SubmitCommand(ctx, 2, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(20), true)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Rejected())
	assert.Equal(t, record.RejectionProcessingError, resp.RejectionType)
	assert.Contains(t, resp.RejectionReason, "variable lookup failed")

	blacklisted, err := f.blacklist.Contains(ctx, 20)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	// Subsequent commands for the same instance are skipped without ever
	// reaching the handler. Skips produce no response, so don't wait on one.
	before := calls.Load()
	cmd, _, err := f.driver.SubmitCommand(ctx, 3, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(20), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.driver.Cursor() >= cmd.Position
	}, waitFor, tick)
	assert.Equal(t, before, calls.Load())
}

func TestErrorWithoutOwningEntityBlacklistsNothing(t *testing.T) {
	failing := engine.Registration{
		RecordType: record.TypeCommand,
		ValueType:  record.ValueTypeProcessInstance,
		Intent:     record.IntentActivateElement,
		Handler: &funcHandler{
			valueType: record.ValueTypeProcessInstance,
			fn: func(_ context.Context, _ int64, _ *record.Record,
				_ engine.ResponseWriter, _ engine.StreamWriter, _ engine.SideEffectFn) error {
				return errors.New("element not deployed")
			},
		},
	}
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), failing)
	ctx := context.Background()

	// The payload resolves to no process instance, so the error event is
	// written but nothing can be blacklisted.
	_, resp, err := f.driver.SubmitCommand(ctx, 2, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(0), true)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.True(t, resp.Rejected())

	recs, err := f.log.Read(ctx, 0, 10)
	require.NoError(t, err)
	var errorEvents int
	for _, rec := range recs {
		if rec.Intent == record.IntentErrorCreated {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	for _, ev := range f.hub.SnapshotSince(0) {
		assert.NotEqual(t, events.TypeBlacklisted, ev.Type)
	}
}

func TestBlacklistIsolatesSingleInstance(t *testing.T) {
	var calls atomic.Int64
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), activateHandler(&calls))
	ctx := context.Background()

	require.NoError(t, f.blacklist.Add(ctx, 20))

	// Instance 20 is dead, instance 30 keeps flowing.
	cmd, _, err := f.driver.SubmitCommand(ctx, 2, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(20), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.driver.Cursor() >= cmd.Position
	}, waitFor, tick)
	assert.Equal(t, int64(0), calls.Load())

	_, resp, err := f.driver.SubmitCommand(ctx, 3, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(30), true)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.Rejected())
	assert.Equal(t, int64(1), calls.Load())
}

func TestScheduledTaskRunsOnlyAfterReplay(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "p.db")

	// Seed history so replay has real work to do.
	seed := startFixture(t, dbPath, activateHandler(nil))
	for k := int64(1); k <= 20; k++ {
		_, resp, err := seed.driver.SubmitCommand(context.Background(), k,
			record.ValueTypeProcessInstance, record.IntentActivateElement, instanceValue(k*10), true)
		require.NoError(t, err)
		require.NotNil(t, resp)
	}
	seed.stop()
	require.NoError(t, seed.db.Close())

	// Restart on the same stream with a zero-delay task already queued
	// before Run begins. The eligibility gate must hold it until replay is
	// done.
	db := openTestDB(t, dbPath)
	defer db.Close()
	eng := engine.New()
	scheduler := schedule.NewService(func() bool { return eng.Phase() == engine.PhaseProcessing })
	store := state.NewStore(db)
	require.NoError(t, eng.Init(engine.Context{
		Store:     store,
		Blacklist: state.NewBlacklist(db),
		Scheduler: scheduler,
	}))

	phaseAtRun := make(chan engine.Phase, 1)
	scheduler.RunDelayed(0, func(_ *schedule.ResultBuilder) error {
		phaseAtRun <- eng.Phase()
		return nil
	})

	d := driver.New(driver.Config{IdleWait: 10 * time.Millisecond}, eng, stream.Open(db),
		store, respond.NewDispatcher(), events.NewHub(16), metrics.NewCollector())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(context.Background()) }()
	defer func() {
		d.Close()
		require.NoError(t, <-runErr)
	}()

	select {
	case phase := <-phaseAtRun:
		assert.Equal(t, engine.PhaseProcessing, phase)
	case <-time.After(waitFor):
		t.Fatal("scheduled task never ran")
	}
}

func TestPauseHoldsTasksAndRecords(t *testing.T) {
	var calls atomic.Int64
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), activateHandler(&calls))
	ctx := context.Background()

	require.NoError(t, f.driver.Pause())
	require.Equal(t, engine.PhasePaused, f.driver.Phase())

	var taskRan atomic.Bool
	f.scheduler.RunDelayed(0, func(_ *schedule.ResultBuilder) error {
		taskRan.Store(true)
		return nil
	})
	cmd, _, err := f.driver.SubmitCommand(ctx, 4, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(40), false)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, taskRan.Load(), "task ran while paused")
	assert.Equal(t, int64(0), calls.Load(), "record processed while paused")

	require.NoError(t, f.driver.Resume())
	require.Eventually(t, func() bool {
		return taskRan.Load() && f.driver.Cursor() >= cmd.Position
	}, waitFor, tick)
	assert.Equal(t, int64(1), calls.Load())
}

func TestBlockedHandlerHoldsScheduledTasks(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var handlerDone atomic.Bool

	parked := engine.Registration{
		RecordType: record.TypeCommand,
		ValueType:  record.ValueTypeProcessInstance,
		Intent:     record.IntentActivateElement,
		Handler: &funcHandler{
			valueType: record.ValueTypeProcessInstance,
			fn: func(_ context.Context, _ int64, rec *record.Record,
				_ engine.ResponseWriter, stream engine.StreamWriter, _ engine.SideEffectFn) error {
				close(entered)
				<-release
				handlerDone.Store(true)
				stream.AppendFollowUpEvent(rec.Key, rec.ValueType, record.IntentElementActivating, rec.Value)
				return nil
			},
		},
	}
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), parked)
	ctx := context.Background()

	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	_, _, err := f.driver.SubmitCommand(ctx, 6, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(60), false)
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("handler was never invoked")
	}

	// The handler is parked mid-record; a due task must wait for it.
	var taskRan, taskSawRecordDone atomic.Bool
	f.scheduler.RunDelayed(0, func(_ *schedule.ResultBuilder) error {
		taskRan.Store(true)
		taskSawRecordDone.Store(handlerDone.Load())
		return nil
	})

	require.Never(t, taskRan.Load, 150*time.Millisecond, tick,
		"task ran while a record was mid-flight")

	unblock()
	require.Eventually(t, taskRan.Load, waitFor, tick)
	assert.True(t, taskSawRecordDone.Load(), "task ran before the record finished")
}

func TestTaskAppendedCommandGetsProcessed(t *testing.T) {
	var calls atomic.Int64
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), activateHandler(&calls))

	f.scheduler.RunDelayed(0, func(rb *schedule.ResultBuilder) error {
		rb.AppendCommand(9, record.ValueTypeProcessInstance, record.IntentActivateElement, instanceValue(90))
		return nil
	})

	require.Eventually(t, func() bool {
		return calls.Load() == 1
	}, waitFor, tick)

	got, err := f.store.Get(context.Background(), 9, record.ValueTypeProcessInstance)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestFailingTaskDoesNotStopTheLoop(t *testing.T) {
	var calls atomic.Int64
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"), activateHandler(&calls))

	f.scheduler.RunDelayed(0, func(_ *schedule.ResultBuilder) error {
		return errors.New("boom")
	})
	f.scheduler.RunDelayed(0, func(_ *schedule.ResultBuilder) error {
		panic("worse")
	})

	// The loop keeps processing records after both failures.
	_, resp, err := f.driver.SubmitCommand(context.Background(), 5,
		record.ValueTypeProcessInstance, record.IntentActivateElement, instanceValue(50), true)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.Rejected())
}

func TestRestartReplaysStateAndResumesUnprocessedCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "p.db")
	ctx := context.Background()

	var firstCalls atomic.Int64
	f := startFixture(t, dbPath, activateHandler(&firstCalls))

	_, resp, err := f.driver.SubmitCommand(ctx, 7, record.ValueTypeProcessInstance,
		record.IntentActivateElement, instanceValue(70), true)
	require.NoError(t, err)
	require.NotNil(t, resp)
	f.stop()

	// Simulate a command that was appended but never acknowledged before
	// the crash.
	_, err = f.log.Append(ctx, []record.Record{{
		Key:       8,
		Type:      record.TypeCommand,
		ValueType: record.ValueTypeProcessInstance,
		Intent:    record.IntentActivateElement,
		Value:     instanceValue(80),
	}})
	require.NoError(t, err)
	require.NoError(t, f.db.Close())

	var secondCalls atomic.Int64
	g := startFixture(t, dbPath, activateHandler(&secondCalls))

	// Only the unacknowledged command is re-processed.
	require.Eventually(t, func() bool {
		return secondCalls.Load() == 1
	}, waitFor, tick)

	// State for both instances is present: 7 via replay, 8 via processing.
	for _, key := range []int64{7, 8} {
		got, err := g.store.Get(ctx, key, record.ValueTypeProcessInstance)
		require.NoError(t, err)
		assert.NotNil(t, got, "missing state for key %d", key)
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), secondCalls.Load(), "acknowledged command was re-processed")
}

func TestCloseStopsLoopAndRejectsSubmissions(t *testing.T) {
	f := startFixture(t, filepath.Join(t.TempDir(), "p.db"))

	f.driver.Close()
	require.NoError(t, <-f.runErr)
	f.runErr <- nil
	assert.Equal(t, engine.PhaseClosed, f.driver.Phase())

	_, _, err := f.driver.SubmitCommand(context.Background(), 1,
		record.ValueTypeProcessInstance, record.IntentActivateElement, instanceValue(10), false)
	assert.ErrorIs(t, err, driver.ErrClosed)
}
