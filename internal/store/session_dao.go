package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tears-mysthrala/Oroitz/internal/config"
	"github.com/tears-mysthrala/Oroitz/internal/session"
	"github.com/tears-mysthrala/Oroitz/internal/types"
)

// SessionDAO persists session snapshots, one row per session. Result
// sets and the configuration snapshot are stored as JSON documents; the
// indexed columns cover the list and lookup queries the front ends need.
type SessionDAO struct {
	db *DB
}

// Compile-time check that SessionDAO satisfies the orchestrator's
// persistence contract.
var _ session.Store = (*SessionDAO)(nil)

// NewSessionDAO creates a SessionDAO backed by db.
func NewSessionDAO(db *DB) *SessionDAO {
	return &SessionDAO{db: db}
}

// SaveSession inserts or replaces the session row.
func (d *SessionDAO) SaveSession(ctx context.Context, snapshot session.Snapshot) error {
	cfgJSON, err := json.Marshal(snapshot.Config)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "cannot encode session config", err)
	}
	resultsJSON, err := json.Marshal(snapshot.Results)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED, "cannot encode session results", err)
	}

	var failureJSON sql.NullString
	if snapshot.Failure != nil {
		data, err := json.Marshal(snapshot.Failure)
		if err != nil {
			return types.WrapError(types.STORE_QUERY_FAILED, "cannot encode session failure", err)
		}
		failureJSON = sql.NullString{String: string(data), Valid: true}
	}

	const query = `
		INSERT INTO sessions (id, image_path, fingerprint, workflow_name, state,
			config, results, failure, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			results = excluded.results,
			failure = excluded.failure,
			updated_at = excluded.updated_at`

	_, err = d.db.conn.ExecContext(ctx, query,
		snapshot.ID.String(),
		snapshot.ImagePath,
		snapshot.Fingerprint,
		snapshot.WorkflowName,
		string(snapshot.State),
		string(cfgJSON),
		string(resultsJSON),
		failureJSON,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	)
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("cannot save session %s", snapshot.ID), err)
	}
	return nil
}

// GetSession loads one session snapshot by id.
func (d *SessionDAO) GetSession(ctx context.Context, id types.ID) (*session.Snapshot, error) {
	const query = `
		SELECT id, image_path, fingerprint, workflow_name, state,
			config, results, failure, created_at, updated_at
		FROM sessions WHERE id = ?`

	row := d.db.conn.QueryRowContext(ctx, query, id.String())
	snapshot, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.SESSION_NOT_FOUND,
				fmt.Sprintf("session %s not found", id))
		}
		return nil, err
	}
	return snapshot, nil
}

// ListSessions returns all session snapshots, most recently updated first.
func (d *SessionDAO) ListSessions(ctx context.Context) ([]session.Snapshot, error) {
	const query = `
		SELECT id, image_path, fingerprint, workflow_name, state,
			config, results, failure, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`

	rows, err := d.db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "cannot list sessions", err)
	}
	defer rows.Close()

	var snapshots []session.Snapshot
	for rows.Next() {
		snapshot, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "cannot iterate sessions", err)
	}
	return snapshots, nil
}

// DeleteSession removes one session row.
func (d *SessionDAO) DeleteSession(ctx context.Context, id types.ID) error {
	result, err := d.db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	if err != nil {
		return types.WrapError(types.STORE_QUERY_FAILED,
			fmt.Sprintf("cannot delete session %s", id), err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return types.NewError(types.SESSION_NOT_FOUND,
			fmt.Sprintf("session %s not found", id))
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*session.Snapshot, error) {
	var (
		snapshot    session.Snapshot
		idStr       string
		stateStr    string
		cfgJSON     string
		resultsJSON string
		failureJSON sql.NullString
	)

	err := s.Scan(&idStr, &snapshot.ImagePath, &snapshot.Fingerprint,
		&snapshot.WorkflowName, &stateStr, &cfgJSON, &resultsJSON,
		&failureJSON, &snapshot.CreatedAt, &snapshot.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "cannot scan session row", err)
	}

	id, err := types.ParseID(idStr)
	if err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "session row has malformed id", err)
	}
	snapshot.ID = id
	snapshot.State = session.State(stateStr)

	var cfg config.Config
	if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "session row has malformed config", err)
	}
	snapshot.Config = cfg

	if err := json.Unmarshal([]byte(resultsJSON), &snapshot.Results); err != nil {
		return nil, types.WrapError(types.STORE_QUERY_FAILED, "session row has malformed results", err)
	}

	if failureJSON.Valid {
		var failure types.OroitzError
		if err := json.Unmarshal([]byte(failureJSON.String), &failure); err != nil {
			return nil, types.WrapError(types.STORE_QUERY_FAILED, "session row has malformed failure", err)
		}
		snapshot.Failure = &failure
	}

	return &snapshot, nil
}
