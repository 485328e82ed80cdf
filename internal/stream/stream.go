// Package stream is the append-only record log of a partition. Records are
// position-addressed, strictly ordered, and immutable once appended; a batch
// produced by one processing step commits atomically or not at all. Payload
// checksums are verified on every read so a torn write surfaces as an error
// instead of divergent state.
package stream

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/tidemill/keel/internal/record"
)

// ErrChecksumMismatch is returned when a stored record's payload does not
// match its checksum.
var ErrChecksumMismatch = fmt.Errorf("record checksum mismatch")

// Log is one partition's record stream. Append is safe from any goroutine
// (the intake and the processing goroutine both write); reads are performed
// by the processing goroutine only.
type Log struct {
	db     *sql.DB
	mu     sync.Mutex
	notify chan struct{}
}

func Open(db *sql.DB) *Log {
	return &Log{
		db:     db,
		notify: make(chan struct{}, 1),
	}
}

// Append atomically appends a batch of records, assigning their positions.
// The input slice is updated in place with assigned positions and the
// records are returned for convenience. An empty batch is a no-op.
func (l *Log) Append(ctx context.Context, recs []record.Record) ([]record.Record, error) {
	if len(recs) == 0 {
		return recs, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range recs {
		r := &recs[i]
		sum := checksum(r)
		err := tx.QueryRowContext(ctx, `
INSERT INTO stream(
  source_position, key, record_type, value_type, intent,
  request_id, rejection_type, rejection, value, checksum, appended_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING position;
`, r.SourcePosition, r.Key, r.Type, r.ValueType, r.Intent,
			nullable(r.RequestID), nullable(string(r.RejectionType)), nullable(r.Rejection),
			valueOrNull(r.Value), sum, now,
		).Scan(&r.Position)
		if err != nil {
			return nil, fmt.Errorf("append record %d of %d: %w", i+1, len(recs), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return recs, nil
}

// LastPosition returns the position of the newest record, or zero for an
// empty stream.
func (l *Log) LastPosition(ctx context.Context) (int64, error) {
	var pos sql.NullInt64
	err := l.db.QueryRowContext(ctx, "SELECT MAX(position) FROM stream;").Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("read last position: %w", err)
	}
	if !pos.Valid {
		return 0, nil
	}
	return pos.Int64, nil
}

// Read returns up to limit records with position > from, in position order.
// Checksums are verified; a mismatch aborts the read.
func (l *Log) Read(ctx context.Context, from int64, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT position, source_position, key, record_type, value_type, intent,
       request_id, rejection_type, rejection, value, checksum
FROM stream
WHERE position > ?
ORDER BY position ASC
LIMIT ?;
`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var (
			r         record.Record
			requestID sql.NullString
			rejType   sql.NullString
			rejection sql.NullString
			value     sql.NullString
			sum       []byte
		)
		if err := rows.Scan(
			&r.Position, &r.SourcePosition, &r.Key, &r.Type, &r.ValueType, &r.Intent,
			&requestID, &rejType, &rejection, &value, &sum,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if requestID.Valid {
			r.RequestID = requestID.String
		}
		if rejType.Valid {
			r.RejectionType = record.RejectionType(rejType.String)
		}
		if rejection.Valid {
			r.Rejection = rejection.String
		}
		if value.Valid {
			r.Value = []byte(value.String)
		}
		if got := checksum(&r); string(got) != string(sum) {
			return nil, fmt.Errorf("%w at position %d", ErrChecksumMismatch, r.Position)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream: %w", err)
	}
	return out, nil
}

// Notify returns a channel signalled after every committed append. Capacity
// one; readers poll Read after draining it.
func (l *Log) Notify() <-chan struct{} {
	return l.notify
}

// checksum covers the fields that define a record's identity and payload.
// Position is excluded: it is assigned by the insert that stores the sum.
func checksum(r *record.Record) []byte {
	h := blake3.New()
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(r.Key))
	_, _ = h.Write(key[:])
	_, _ = h.Write([]byte(r.Type))
	_, _ = h.Write([]byte(r.ValueType))
	_, _ = h.Write([]byte(r.Intent))
	_, _ = h.Write([]byte(r.Rejection))
	_, _ = h.Write(r.Value)
	return h.Sum(nil)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func valueOrNull(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
