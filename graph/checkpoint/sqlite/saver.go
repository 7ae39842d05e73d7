//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed checkpoint saver for durable
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	lineage_id    TEXT NOT NULL,
	namespace     TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	ts            TEXT NOT NULL,
	checkpoint    BLOB NOT NULL,
	metadata      BLOB,
	PRIMARY KEY (lineage_id, namespace, checkpoint_id)
);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	lineage_id    TEXT NOT NULL,
	namespace     TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id       TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	channel       TEXT NOT NULL,
	value         BLOB,
	PRIMARY KEY (lineage_id, namespace, checkpoint_id, task_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_lineage_ts
	ON checkpoints (lineage_id, namespace, ts);
`

// Saver persists checkpoints in a SQLite database. Checkpoints and
// metadata are stored as JSON blobs keyed by lineage, namespace, and
// checkpoint ID.
type Saver struct {
	db *sql.DB
}

// NewSaver opens (or creates) the database at path and prepares the
// schema. Use ":memory:" for an ephemeral database.
func NewSaver(path string) (*Saver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &Saver{db: db}, nil
}

// NewSaverWithDB wraps an existing database handle and prepares the schema.
func NewSaverWithDB(db *sql.DB) (*Saver, error) {
	if _, err := db.Exec(schemaDDL); err != nil {
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &Saver{db: db}, nil
}

var _ graph.CheckpointSaver = (*Saver)(nil)

// Get returns the checkpoint for a config, or nil when absent.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple returns the full tuple for a config, or nil when absent. An
// empty checkpoint ID selects the latest checkpoint in the lineage and
// namespace.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)

	var row *sql.Row
	if checkpointID != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint, metadata FROM checkpoints
			 WHERE lineage_id = ? AND namespace = ? AND checkpoint_id = ?`,
			lineageID, ns, checkpointID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint, metadata FROM checkpoints
			 WHERE lineage_id = ? AND namespace = ?
			 ORDER BY ts DESC, rowid DESC LIMIT 1`,
			lineageID, ns)
	}
	tuple, err := s.scanTuple(row, lineageID, ns)
	if err != nil || tuple == nil {
		return nil, err
	}
	writes, err := s.loadWrites(ctx, lineageID, ns, tuple.Checkpoint.ID)
	if err != nil {
		return nil, err
	}
	tuple.PendingWrites = writes
	return tuple, nil
}

func (s *Saver) scanTuple(row *sql.Row, lineageID, ns string) (*graph.CheckpointTuple, error) {
	var ckptJSON, metaJSON []byte
	if err := row.Scan(&ckptJSON, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return decodeTuple(ckptJSON, metaJSON, lineageID, ns)
}

func decodeTuple(ckptJSON, metaJSON []byte, lineageID, ns string) (*graph.CheckpointTuple, error) {
	var ckpt graph.Checkpoint
	if err := json.Unmarshal(ckptJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(lineageID, ckpt.ID, ns),
		Checkpoint: &ckpt,
	}
	if len(metaJSON) > 0 {
		var meta graph.CheckpointMetadata
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			return nil, fmt.Errorf("decode checkpoint metadata: %w", err)
		}
		tuple.Metadata = &meta
	}
	if ckpt.ParentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, ckpt.ParentID, ns)
	}
	return tuple, nil
}

func (s *Saver) loadWrites(ctx context.Context, lineageID, ns, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, seq, channel, value FROM checkpoint_writes
		 WHERE lineage_id = ? AND namespace = ? AND checkpoint_id = ?
		 ORDER BY seq`,
		lineageID, ns, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load pending writes: %w", err)
	}
	defer rows.Close()
	var writes []graph.PendingWrite
	for rows.Next() {
		var w graph.PendingWrite
		var valueJSON []byte
		if err := rows.Scan(&w.TaskID, &w.Sequence, &w.Channel, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan pending write: %w", err)
		}
		if len(valueJSON) > 0 {
			if err := json.Unmarshal(valueJSON, &w.Value); err != nil {
				return nil, fmt.Errorf("decode pending write value: %w", err)
			}
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}

// List returns tuples for a lineage, newest first. A config without a
// namespace key lists every namespace.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)

	query := `SELECT namespace, checkpoint, metadata FROM checkpoints WHERE lineage_id = ?`
	args := []any{lineageID}
	if ns != "" {
		query += ` AND namespace = ?`
		args = append(args, ns)
	}
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			query += ` AND ts < (SELECT ts FROM checkpoints
				WHERE lineage_id = ? AND checkpoint_id = ? LIMIT 1)`
			args = append(args, lineageID, beforeID)
		}
	}
	query += ` ORDER BY ts DESC, rowid DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var tuples []*graph.CheckpointTuple
	for rows.Next() {
		var rowNS string
		var ckptJSON, metaJSON []byte
		if err := rows.Scan(&rowNS, &ckptJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		tuple, err := decodeTuple(ckptJSON, metaJSON, lineageID, rowNS)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return tuples, rows.Err()
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	return s.PutFull(ctx, graph.PutFullRequest{
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		Metadata:    req.Metadata,
		NewVersions: req.NewVersions,
	})
}

// PutWrites stores intermediate writes linked to an existing checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	return s.putWrites(ctx, req.Config, req.Writes)
}

func (s *Saver) putWrites(ctx context.Context, config map[string]any, writes []graph.PendingWrite) error {
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writes transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertWrites(ctx, tx, lineageID, ns, checkpointID, writes); err != nil {
		return err
	}
	return tx.Commit()
}

func insertWrites(ctx context.Context, tx *sql.Tx, lineageID, ns, checkpointID string, writes []graph.PendingWrite) error {
	for _, w := range writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("encode pending write value: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO checkpoint_writes
			 (lineage_id, namespace, checkpoint_id, task_id, seq, channel, value)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			lineageID, ns, checkpointID, w.TaskID, w.Sequence, w.Channel, valueJSON); err != nil {
			return fmt.Errorf("insert pending write: %w", err)
		}
	}
	return nil
}

// PutFull atomically stores a checkpoint and its pending writes in one
// transaction.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	if req.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint cannot be nil")
	}
	lineageID := graph.GetLineageID(req.Config)
	if lineageID == "" {
		return nil, fmt.Errorf("config missing lineage_id")
	}
	ns := graph.GetNamespace(req.Config)

	ckptJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	var metaJSON []byte
	if req.Metadata != nil {
		if metaJSON, err = json.Marshal(req.Metadata); err != nil {
			return nil, fmt.Errorf("encode checkpoint metadata: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints
		 (lineage_id, namespace, checkpoint_id, parent_id, ts, checkpoint, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lineageID, ns, req.Checkpoint.ID, req.Checkpoint.ParentID,
		req.Checkpoint.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		ckptJSON, metaJSON); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := insertWrites(ctx, tx, lineageID, ns, req.Checkpoint.ID, req.PendingWrites); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(lineageID, req.Checkpoint.ID, ns), nil
}

// DeleteLineage removes all checkpoints and writes for a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoint_writes WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("delete pending writes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE lineage_id = ?`, lineageID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Saver) Close() error {
	return s.db.Close()
}
