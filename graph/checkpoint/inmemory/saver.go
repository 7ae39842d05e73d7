//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory checkpoint saver, suitable for
// tests and single-process runs.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

type entry struct {
	checkpoint *graph.Checkpoint
	metadata   *graph.CheckpointMetadata
	writes     []graph.PendingWrite
}

// Saver keeps checkpoints in process memory, ordered per lineage and
// namespace by insertion.
type Saver struct {
	mu sync.RWMutex
	// lineage -> namespace -> insertion-ordered entries.
	lineages map[string]map[string][]*entry
	maxPerNS int
}

// Option configures a Saver.
type Option func(*Saver)

// WithMaxCheckpoints caps retained checkpoints per lineage and namespace;
// the oldest are evicted first. Zero keeps everything.
func WithMaxCheckpoints(n int) Option {
	return func(s *Saver) { s.maxPerNS = n }
}

// NewSaver creates an in-memory saver.
func NewSaver(opts ...Option) *Saver {
	s := &Saver{lineages: make(map[string]map[string][]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ graph.CheckpointSaver = (*Saver)(nil)

func (s *Saver) namespaceEntries(lineageID, ns string) []*entry {
	if byNS, ok := s.lineages[lineageID]; ok {
		return byNS[ns]
	}
	return nil
}

func (s *Saver) find(config map[string]any) *entry {
	lineageID := graph.GetLineageID(config)
	ns := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	entries := s.namespaceEntries(lineageID, ns)
	if len(entries) == 0 {
		return nil
	}
	if checkpointID == "" {
		return entries[len(entries)-1]
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].checkpoint.ID == checkpointID {
			return entries[i]
		}
	}
	return nil
}

// Get returns the checkpoint for a config, or nil when absent.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple returns the full tuple for a config, or nil when absent.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.find(config)
	if e == nil {
		return nil, nil
	}
	return s.toTuple(graph.GetLineageID(config), graph.GetNamespace(config), e), nil
}

func (s *Saver) toTuple(lineageID, ns string, e *entry) *graph.CheckpointTuple {
	ckpt := e.checkpoint.Copy()
	tuple := &graph.CheckpointTuple{
		Config:     graph.CreateCheckpointConfig(lineageID, ckpt.ID, ns),
		Checkpoint: ckpt,
	}
	if e.metadata != nil {
		meta := *e.metadata
		tuple.Metadata = &meta
	}
	if ckpt.ParentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(lineageID, ckpt.ParentID, ns)
	}
	tuple.PendingWrites = append(tuple.PendingWrites, e.writes...)
	return tuple
}

// List returns tuples for a lineage, newest first.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lineageID := graph.GetLineageID(config)
	byNS, ok := s.lineages[lineageID]
	if !ok {
		return nil, nil
	}
	ns := graph.GetNamespace(config)
	namespaces := []string{ns}
	if graph.GetConfigurable(config) == nil || !hasNamespace(config) {
		namespaces = namespaces[:0]
		for n := range byNS {
			namespaces = append(namespaces, n)
		}
	}
	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}
	var tuples []*graph.CheckpointTuple
	for _, n := range namespaces {
		entries := byNS[n]
		stop := len(entries)
		if beforeID != "" {
			for i, e := range entries {
				if e.checkpoint.ID == beforeID {
					stop = i
					break
				}
			}
		}
		for i := stop - 1; i >= 0; i-- {
			tuples = append(tuples, s.toTuple(lineageID, n, entries[i]))
		}
	}
	sortTuplesNewestFirst(tuples)
	if filter != nil && filter.Limit > 0 && len(tuples) > filter.Limit {
		tuples = tuples[:filter.Limit]
	}
	return tuples, nil
}

func hasNamespace(config map[string]any) bool {
	c := graph.GetConfigurable(config)
	if c == nil {
		return false
	}
	_, ok := c[graph.CfgKeyCheckpointNS]
	return ok
}

func sortTuplesNewestFirst(tuples []*graph.CheckpointTuple) {
	sort.SliceStable(tuples, func(i, j int) bool {
		return tuples[i].Checkpoint.Timestamp.After(tuples[j].Checkpoint.Timestamp)
	})
}

// Put stores a checkpoint and returns the config addressing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, nil)
}

func (s *Saver) putLocked(config map[string]any, ckpt *graph.Checkpoint, meta *graph.CheckpointMetadata, writes []graph.PendingWrite) (map[string]any, error) {
	if ckpt == nil {
		return nil, fmt.Errorf("checkpoint cannot be nil")
	}
	lineageID := graph.GetLineageID(config)
	if lineageID == "" {
		return nil, fmt.Errorf("config missing lineage_id")
	}
	ns := graph.GetNamespace(config)
	byNS, ok := s.lineages[lineageID]
	if !ok {
		byNS = make(map[string][]*entry)
		s.lineages[lineageID] = byNS
	}
	e := &entry{checkpoint: ckpt.Copy(), metadata: meta}
	e.writes = append(e.writes, writes...)
	byNS[ns] = append(byNS[ns], e)
	if s.maxPerNS > 0 && len(byNS[ns]) > s.maxPerNS {
		byNS[ns] = byNS[ns][len(byNS[ns])-s.maxPerNS:]
	}
	return graph.CreateCheckpointConfig(lineageID, ckpt.ID, ns), nil
}

// PutWrites stores intermediate writes linked to an existing checkpoint.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(req.Config)
	if e == nil {
		return graph.ErrCheckpointNotFound
	}
	e.writes = append(e.writes, req.Writes...)
	return nil
}

// PutFull atomically stores a checkpoint and its pending writes.
func (s *Saver) PutFull(ctx context.Context, req graph.PutFullRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(req.Config, req.Checkpoint, req.Metadata, req.PendingWrites)
}

// DeleteLineage removes all checkpoints for a lineage.
func (s *Saver) DeleteLineage(ctx context.Context, lineageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lineages, lineageID)
	return nil
}

// Close releases saver resources.
func (s *Saver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lineages = make(map[string]map[string][]*entry)
	return nil
}
