package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"FlashLever/internal/core"

	"github.com/google/uuid"
)

// ErrSnapshotBehind is returned when the event log holds committed events
// the latest snapshot does not cover.
var ErrSnapshotBehind = errors.New("event log is ahead of the latest snapshot")

// SnapshotManager stores engine snapshots in event_log.snapshots.
// A snapshot is keyed by the next sequence the engine will assign, so
// snapshot N covers events 0..N-1.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap and returns its encoded size. A snapshot taken
// twice at the same sequence overwrites the earlier one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = 1 // JSON-encoded core.SnapshotState

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return len(data), nil
}

// Verify checks the snapshot's state hash against the hash chain stored with
// the last event it covers and marks it verified on a match. A snapshot at
// sequence 0 covers no events and is verified as is.
func (sm *SnapshotManager) Verify(ctx context.Context, snap *core.SnapshotState) error {
	if snap.Sequence > 0 {
		var logged []byte
		err := sm.db.QueryRowContext(ctx, `
			SELECT state_hash FROM event_log.events WHERE sequence = $1
		`, snap.Sequence-1).Scan(&logged)
		if err == sql.ErrNoRows {
			return fmt.Errorf("verify snapshot %d: event %d not persisted", snap.Sequence, snap.Sequence-1)
		}
		if err != nil {
			return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
		}
		if !bytes.Equal(logged, snap.StateHash) {
			return fmt.Errorf("verify snapshot %d: state hash does not match event log", snap.Sequence)
		}
	}

	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, snap.Sequence)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// GetLatestSequence returns the highest persisted event sequence, or -1 for
// an empty event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// CheckCoverage returns ErrSnapshotBehind when events past snap (or any
// events at all when snap is nil) are already in the log. The engine keeps
// no replay path, so startup must not continue from a stale snapshot.
func (sm *SnapshotManager) CheckCoverage(ctx context.Context, snap *core.SnapshotState) error {
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest sequence: %w", err)
	}
	var next int64
	if snap != nil {
		next = snap.Sequence
	}
	if latest >= next {
		return fmt.Errorf("%w: snapshot next=%d, log latest=%d", ErrSnapshotBehind, next, latest)
	}
	return nil
}
