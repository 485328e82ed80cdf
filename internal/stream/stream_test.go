package stream

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemill/keel/internal/record"
	"github.com/tidemill/keel/internal/storage"
)

func openTestLog(t *testing.T) (*Log, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Open(db), db
}

func command(key int64, intent record.Intent) record.Record {
	return record.Record{
		Key:       key,
		Type:      record.TypeCommand,
		ValueType: record.ValueTypeProcessInstance,
		Intent:    intent,
		Value: record.MustMarshal(&record.ProcessInstanceValue{
			ProcessKey: key,
			ElementID:  "task-a",
		}),
	}
}

func TestAppendAssignsIncreasingPositions(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	ctx := context.Background()

	batch := []record.Record{command(1, record.IntentActivateElement), command(2, record.IntentActivateElement)}
	appended, err := l.Append(ctx, batch)
	require.NoError(t, err)
	require.Len(t, appended, 2)
	assert.Greater(t, appended[0].Position, int64(0))
	assert.Greater(t, appended[1].Position, appended[0].Position)

	last, err := l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, appended[1].Position, last)
}

func TestReadReturnsRecordsInOrder(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, []record.Record{
		command(1, record.IntentActivateElement),
		command(2, record.IntentCompleteElement),
		command(3, record.IntentTerminateElement),
	})
	require.NoError(t, err)

	recs, err := l.Read(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, record.IntentActivateElement, recs[0].Intent)
	assert.Equal(t, record.IntentCompleteElement, recs[1].Intent)
	assert.Equal(t, record.IntentTerminateElement, recs[2].Intent)

	// Reading past the first record skips it.
	recs, err = l.Read(ctx, recs[0].Position, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Key)
}

func TestEmptyStream(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	ctx := context.Background()

	last, err := l.LastPosition(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	recs, err := l.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAppendBatchIsAtomic(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	ctx := context.Background()

	// A batch with a record that violates the schema (nil intent is fine,
	// but a cancelled context aborts mid-batch) must leave nothing behind.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := l.Append(cancelled, []record.Record{command(1, record.IntentActivateElement)})
	require.Error(t, err)

	recs, err := l.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestChecksumMismatchDetected(t *testing.T) {
	t.Parallel()

	l, db := openTestLog(t)
	ctx := context.Background()

	appended, err := l.Append(ctx, []record.Record{command(1, record.IntentActivateElement)})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		"UPDATE stream SET value = '{\"tampered\":true}' WHERE position = ?;",
		appended[0].Position)
	require.NoError(t, err)

	_, err = l.Read(ctx, 0, 10)
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestAppendSignalsNotify(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	_, err := l.Append(context.Background(), []record.Record{command(1, record.IntentActivateElement)})
	require.NoError(t, err)

	select {
	case <-l.Notify():
	default:
		t.Fatal("expected notify signal after append")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()

	l, _ := openTestLog(t)
	ctx := context.Background()

	cmd := command(1, record.IntentActivateElement)
	cmd.RequestID = "req-abc"
	_, err := l.Append(ctx, []record.Record{cmd})
	require.NoError(t, err)

	recs, err := l.Read(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "req-abc", recs[0].RequestID)
}
