//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Checkpoint sources recorded in metadata.
const (
	// CheckpointSourceInput marks a checkpoint created from initial input.
	CheckpointSourceInput = "input"
	// CheckpointSourceLoop marks a checkpoint committed at a superstep
	// barrier.
	CheckpointSourceLoop = "loop"
	// CheckpointSourceUpdate marks a checkpoint synthesized by an external
	// state update.
	CheckpointSourceUpdate = "update"
	// CheckpointSourceInterrupt marks a checkpoint recorded when a dynamic
	// interrupt paused execution.
	CheckpointSourceInterrupt = "interrupt"
	// CheckpointSourceFork marks a checkpoint created by forking history.
	CheckpointSourceFork = "fork"
)

// CheckpointVersionsChannel tracks the monotonic version counter itself.
const CheckpointVersionsChannel = "__versions__"

// InterruptState records where a dynamic interrupt paused execution so a
// resumed run can re-plan the interrupted node.
type InterruptState struct {
	NodeID    string `json:"node_id"`
	TaskID    string `json:"task_id"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Prompt    any    `json:"prompt,omitempty"`
	Step      int    `json:"step"`
}

// Checkpoint is an immutable snapshot of channel values and versions at a
// superstep barrier. Saved checkpoints are never mutated; corrections and
// branches append new checkpoints.
type Checkpoint struct {
	ID              string                      `json:"id"`
	Timestamp       time.Time                   `json:"ts"`
	ChannelValues   map[string]any              `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	ParentID        string                      `json:"parent_id,omitempty"`
	// NextNodes are the nodes planned for the following superstep. Resume
	// re-plans from here without re-running completed nodes.
	NextNodes []string `json:"next_nodes,omitempty"`
	// NextChannels are the channels whose availability produced NextNodes.
	NextChannels []string `json:"next_channels,omitempty"`
	// PendingSends are Send tasks emitted in the committed superstep but
	// not yet executed.
	PendingSends []*Send `json:"pending_sends,omitempty"`
	// InterruptState is set only on interrupt checkpoints.
	InterruptState *InterruptState `json:"interrupt_state,omitempty"`
	// UpdatedChannels lists the channels written in the committed step.
	UpdatedChannels []string `json:"updated_channels,omitempty"`
}

// NewCheckpoint creates a checkpoint with a fresh ID and deep-copied
// channel values.
func NewCheckpoint(channelValues map[string]any, channelVersions map[string]int64, versionsSeen map[string]map[string]int64) *Checkpoint {
	ckpt := &Checkpoint{
		ID:              uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   make(map[string]any, len(channelValues)),
		ChannelVersions: make(map[string]int64, len(channelVersions)),
		VersionsSeen:    make(map[string]map[string]int64, len(versionsSeen)),
	}
	for k, v := range channelValues {
		ckpt.ChannelValues[k] = deepCopyAny(v)
	}
	for k, v := range channelVersions {
		ckpt.ChannelVersions[k] = v
	}
	for node, seen := range versionsSeen {
		copied := make(map[string]int64, len(seen))
		for ch, ver := range seen {
			copied[ch] = ver
		}
		ckpt.VersionsSeen[node] = copied
	}
	return ckpt
}

// Copy returns a deep copy of the checkpoint.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	copied := NewCheckpoint(c.ChannelValues, c.ChannelVersions, c.VersionsSeen)
	copied.ID = c.ID
	copied.Timestamp = c.Timestamp
	copied.ParentID = c.ParentID
	copied.NextNodes = append([]string{}, c.NextNodes...)
	copied.NextChannels = append([]string{}, c.NextChannels...)
	copied.UpdatedChannels = append([]string{}, c.UpdatedChannels...)
	for _, s := range c.PendingSends {
		copied.PendingSends = append(copied.PendingSends, &Send{Node: s.Node, Input: deepCopyState(s.Input)})
	}
	if c.InterruptState != nil {
		is := *c.InterruptState
		copied.InterruptState = &is
	}
	return copied
}

// Fork creates a child checkpoint from this one with a fresh ID and this
// checkpoint as parent.
func (c *Checkpoint) Fork() *Checkpoint {
	forked := c.Copy()
	forked.ID = uuid.NewString()
	forked.Timestamp = time.Now().UTC()
	forked.ParentID = c.ID
	return forked
}

// CheckpointMetadata describes how and when a checkpoint came to be.
type CheckpointMetadata struct {
	// Source is one of the CheckpointSource constants.
	Source string `json:"source"`
	// Step is the superstep index the checkpoint committed, -1 for input.
	Step int `json:"step"`
	// Extra carries saver-defined or user-defined annotations.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewCheckpointMetadata creates metadata for a source and step.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{Source: source, Step: step, Extra: make(map[string]any)}
}

// PendingWrite is a task write captured before the superstep committed.
type PendingWrite struct {
	TaskID   string `json:"task_id"`
	Channel  string `json:"channel"`
	Value    any    `json:"value"`
	Sequence int64  `json:"sequence"`
}

// CheckpointTuple bundles a checkpoint with its config, metadata, parent
// config, and pending writes.
type CheckpointTuple struct {
	Config        map[string]any      `json:"config"`
	Checkpoint    *Checkpoint         `json:"checkpoint"`
	Metadata      *CheckpointMetadata `json:"metadata"`
	ParentConfig  map[string]any      `json:"parent_config,omitempty"`
	PendingWrites []PendingWrite      `json:"pending_writes,omitempty"`
}

// CheckpointFilter narrows List results.
type CheckpointFilter struct {
	// Limit caps the number of returned tuples; 0 means no cap.
	Limit int
	// Before excludes checkpoints created at or after the referenced
	// checkpoint.
	Before map[string]any
	// Metadata requires listed metadata keys to match.
	Metadata map[string]any
}

// PutRequest stores a checkpoint.
type PutRequest struct {
	Config      map[string]any
	Checkpoint  *Checkpoint
	Metadata    *CheckpointMetadata
	NewVersions map[string]int64
}

// PutWritesRequest stores intermediate task writes for a checkpoint.
type PutWritesRequest struct {
	Config   map[string]any
	Writes   []PendingWrite
	TaskID   string
	TaskPath string
}

// PutFullRequest stores a checkpoint together with its pending writes in
// one atomic operation.
type PutFullRequest struct {
	Config        map[string]any
	Checkpoint    *Checkpoint
	Metadata      *CheckpointMetadata
	NewVersions   map[string]int64
	PendingWrites []PendingWrite
}

// CheckpointSaver persists checkpoints. Implementations must treat stored
// checkpoints as append-only and must be safe for concurrent use.
type CheckpointSaver interface {
	// Get returns the checkpoint for a config, or nil when absent.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple returns the full tuple for a config, or nil when absent.
	// An empty checkpoint ID selects the latest checkpoint in the
	// lineage and namespace.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List returns tuples for a lineage, newest first.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns the config addressing it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate writes linked to a checkpoint.
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// PutFull atomically stores a checkpoint and its pending writes.
	PutFull(ctx context.Context, req PutFullRequest) (map[string]any, error)
	// DeleteLineage removes all checkpoints for a lineage.
	DeleteLineage(ctx context.Context, lineageID string) error
	// Close releases saver resources.
	Close() error
}

// CreateCheckpointConfig builds a config addressing a checkpoint.
func CreateCheckpointConfig(lineageID, checkpointID, namespace string) map[string]any {
	configurable := map[string]any{CfgKeyLineageID: lineageID}
	if checkpointID != "" {
		configurable[CfgKeyCheckpointID] = checkpointID
	}
	if namespace != "" {
		configurable[CfgKeyCheckpointNS] = namespace
	}
	return map[string]any{CfgKeyConfigurable: configurable}
}

// GetConfigurable extracts the configurable map from a config.
func GetConfigurable(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	if c, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		return c
	}
	return nil
}

func configurableString(config map[string]any, key string) string {
	if c := GetConfigurable(config); c != nil {
		if v, ok := c[key].(string); ok {
			return v
		}
	}
	return ""
}

// GetLineageID extracts the lineage ID from a config.
func GetLineageID(config map[string]any) string {
	return configurableString(config, CfgKeyLineageID)
}

// GetCheckpointID extracts the checkpoint ID from a config.
func GetCheckpointID(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts the checkpoint namespace from a config.
func GetNamespace(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointNS)
}

// GetResumeMap extracts the resume map from a config.
func GetResumeMap(config map[string]any) map[string]any {
	if c := GetConfigurable(config); c != nil {
		if v, ok := c[CfgKeyResumeMap].(map[string]any); ok {
			return v
		}
	}
	return nil
}

// CheckpointTree is a lineage's checkpoints arranged by parent links.
type CheckpointTree struct {
	Roots []*CheckpointNode
}

// CheckpointNode is one checkpoint and its children in the tree.
type CheckpointNode struct {
	Tuple    *CheckpointTuple
	Children []*CheckpointNode
}

// CheckpointManager wraps a saver with lineage-level operations used by the
// executor and external tooling.
type CheckpointManager struct {
	saver CheckpointSaver
}

// NewCheckpointManager creates a manager backed by the saver.
func NewCheckpointManager(saver CheckpointSaver) *CheckpointManager {
	return &CheckpointManager{saver: saver}
}

// Saver returns the underlying saver.
func (m *CheckpointManager) Saver() CheckpointSaver { return m.saver }

// Latest returns the most recent tuple in a lineage and namespace, or nil.
func (m *CheckpointManager) Latest(ctx context.Context, lineageID, namespace string) (*CheckpointTuple, error) {
	return m.saver.GetTuple(ctx, CreateCheckpointConfig(lineageID, "", namespace))
}

// Get returns the tuple addressed by config, or nil when absent.
func (m *CheckpointManager) Get(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	return m.saver.GetTuple(ctx, config)
}

// List returns checkpoint history for a lineage, newest first.
func (m *CheckpointManager) List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	return m.saver.List(ctx, config, filter)
}

// History returns a lineage's checkpoints oldest first, following the
// saver's newest-first List order reversed.
func (m *CheckpointManager) History(ctx context.Context, lineageID, namespace string) ([]*CheckpointTuple, error) {
	tuples, err := m.saver.List(ctx, CreateCheckpointConfig(lineageID, "", namespace), nil)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(tuples)-1; i < j; i, j = i+1, j-1 {
		tuples[i], tuples[j] = tuples[j], tuples[i]
	}
	return tuples, nil
}

// DeleteLineage removes all checkpoints for a lineage.
func (m *CheckpointManager) DeleteLineage(ctx context.Context, lineageID string) error {
	return m.saver.DeleteLineage(ctx, lineageID)
}

// Fork appends a copy of the referenced checkpoint as a new branch head
// and returns the config addressing it. Executions resumed from the fork
// extend the new branch while the original history stays untouched.
func (m *CheckpointManager) Fork(ctx context.Context, config map[string]any) (map[string]any, error) {
	tuple, err := m.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	forked := tuple.Checkpoint.Fork()
	step := -1
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	meta := NewCheckpointMetadata(CheckpointSourceFork, step)
	putConfig := CreateCheckpointConfig(GetLineageID(config), forked.ID, GetNamespace(config))
	return m.saver.Put(ctx, PutRequest{
		Config:      putConfig,
		Checkpoint:  forked,
		Metadata:    meta,
		NewVersions: forked.ChannelVersions,
	})
}

// BranchFrom copies the referenced checkpoint into another namespace of
// the same lineage, keeping the source as its parent.
func (m *CheckpointManager) BranchFrom(ctx context.Context, config map[string]any, newNamespace string) (map[string]any, error) {
	tuple, err := m.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	branched := tuple.Checkpoint.Fork()
	step := -1
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	return m.saver.Put(ctx, PutRequest{
		Config:      CreateCheckpointConfig(GetLineageID(config), branched.ID, newNamespace),
		Checkpoint:  branched,
		Metadata:    NewCheckpointMetadata(CheckpointSourceFork, step),
		NewVersions: branched.ChannelVersions,
	})
}

// BranchToNewLineage copies the referenced checkpoint into a new lineage
// so experiments run against a snapshot without touching the original
// history at all.
func (m *CheckpointManager) BranchToNewLineage(ctx context.Context, config map[string]any, newLineageID string) (map[string]any, error) {
	tuple, err := m.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	branched := tuple.Checkpoint.Copy()
	branched.ID = uuid.NewString()
	branched.Timestamp = time.Now().UTC()
	branched.ParentID = ""
	step := -1
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	return m.saver.Put(ctx, PutRequest{
		Config:      CreateCheckpointConfig(newLineageID, branched.ID, GetNamespace(config)),
		Checkpoint:  branched,
		Metadata:    NewCheckpointMetadata(CheckpointSourceFork, step),
		NewVersions: branched.ChannelVersions,
	})
}

// GetCheckpointTree arranges a lineage's checkpoints into parent/child
// trees, children ordered oldest first.
func (m *CheckpointManager) GetCheckpointTree(ctx context.Context, lineageID string) (*CheckpointTree, error) {
	tuples, err := m.saver.List(ctx, CreateCheckpointConfig(lineageID, "", ""), nil)
	if err != nil {
		return nil, err
	}
	if len(tuples) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLineageNotFound, lineageID)
	}
	nodes := make(map[string]*CheckpointNode, len(tuples))
	for _, t := range tuples {
		nodes[t.Checkpoint.ID] = &CheckpointNode{Tuple: t}
	}
	tree := &CheckpointTree{}
	for _, t := range tuples {
		node := nodes[t.Checkpoint.ID]
		parent, ok := nodes[t.Checkpoint.ParentID]
		if t.Checkpoint.ParentID == "" || !ok {
			tree.Roots = append(tree.Roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	sortNodes := func(ns []*CheckpointNode) {
		sort.Slice(ns, func(i, j int) bool {
			return ns[i].Tuple.Checkpoint.Timestamp.Before(ns[j].Tuple.Checkpoint.Timestamp)
		})
	}
	sortNodes(tree.Roots)
	for _, n := range nodes {
		sortNodes(n.Children)
	}
	return tree, nil
}
