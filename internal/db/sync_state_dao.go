package db

import (
	"context"
	"fmt"
	"time"

	"github.com/didi/gendry/builder"
)

const syncStateTableName = "sync_state"

// SyncStatus is the lifecycle of a (system, source) sync.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusStale   SyncStatus = "stale"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

const (
	upsertSyncStateSQL = `INSERT INTO sync_state (system, source, remote_last_modified, last_synced_at, remote_count, status, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(system, source) DO UPDATE SET
	remote_last_modified = excluded.remote_last_modified,
	last_synced_at = excluded.last_synced_at,
	remote_count = excluded.remote_count,
	status = excluded.status,
	last_error = excluded.last_error`

	markSyncStateSQL = `INSERT INTO sync_state (system, source, status, last_error)
VALUES (?, ?, ?, ?)
ON CONFLICT(system, source) DO UPDATE SET
	status = excluded.status,
	last_error = excluded.last_error`
)

var syncStateFields = []string{"system", "source", "remote_last_modified", "last_synced_at", "remote_count", "status", "last_error"}

// SyncState is the per-(system, source) bookkeeping of remote syncs.
type SyncState struct {
	System             string     `json:"system"`
	Source             string     `json:"source"`
	RemoteLastModified string     `json:"remote_last_modified"`
	LastSyncedAt       int64      `json:"last_synced_at"`
	RemoteCount        int        `json:"remote_count"`
	Status             SyncStatus `json:"status"`
	LastError          string     `json:"last_error"`
}

// SyncStateDAO reads and writes sync_state.
type SyncStateDAO struct {
	store *Store
}

func NewSyncStateDAO(store *Store) *SyncStateDAO {
	return &SyncStateDAO{store: store}
}

// Get returns the state for (system, source), nil when never synced.
func (dao *SyncStateDAO) Get(ctx context.Context, system, source string) (*SyncState, error) {
	states, err := dao.query(ctx, map[string]interface{}{"system": system, "source": source})
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return &states[0], nil
}

// List returns every state ordered by system then source.
func (dao *SyncStateDAO) List(ctx context.Context) ([]SyncState, error) {
	return dao.query(ctx, map[string]interface{}{"_orderby": "system, source"})
}

func (dao *SyncStateDAO) query(ctx context.Context, where map[string]interface{}) ([]SyncState, error) {
	sqlStr, args, err := builder.BuildSelect(syncStateTableName, where, syncStateFields)
	if err != nil {
		return nil, err
	}
	rows, err := dao.store.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	defer rows.Close()
	var out []SyncState
	for rows.Next() {
		var st SyncState
		if err := rows.Scan(&st.System, &st.Source, &st.RemoteLastModified, &st.LastSyncedAt,
			&st.RemoteCount, &st.Status, &st.LastError); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Upsert replaces the state. A zero LastSyncedAt is stamped with now.
func (dao *SyncStateDAO) Upsert(ctx context.Context, st SyncState) error {
	if st.LastSyncedAt == 0 {
		st.LastSyncedAt = time.Now().Unix()
	}
	if st.Status == "" {
		st.Status = SyncStatusSynced
	}
	if _, err := dao.store.db.ExecContext(ctx, upsertSyncStateSQL, st.System, st.Source, st.RemoteLastModified,
		st.LastSyncedAt, st.RemoteCount, string(st.Status), st.LastError); err != nil {
		return fmt.Errorf("upsert sync state %s/%s: %w", st.System, st.Source, err)
	}
	return nil
}

// MarkSyncing flags a sync in progress without touching the fingerprint.
func (dao *SyncStateDAO) MarkSyncing(ctx context.Context, system, source string) error {
	return dao.mark(ctx, system, source, SyncStatusSyncing, "")
}

// MarkError records a failed sync. The previous fingerprint is kept.
func (dao *SyncStateDAO) MarkError(ctx context.Context, system, source, msg string) error {
	return dao.mark(ctx, system, source, SyncStatusError, msg)
}

func (dao *SyncStateDAO) mark(ctx context.Context, system, source string, status SyncStatus, msg string) error {
	if _, err := dao.store.db.ExecContext(ctx, markSyncStateSQL, system, source, string(status), msg); err != nil {
		return fmt.Errorf("mark sync state %s/%s: %w", system, source, err)
	}
	return nil
}
