//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func putSequence(t *testing.T, s *Saver, lineage, ns string, n int) []*graph.Checkpoint {
	t.Helper()
	var ckpts []*graph.Checkpoint
	parent := ""
	for i := 0; i < n; i++ {
		ckpt := graph.NewCheckpoint(
			map[string]any{"step": i},
			map[string]int64{"branch:to:n": int64(i + 1)},
			nil,
		)
		ckpt.ParentID = parent
		_, err := s.PutFull(context.Background(), graph.PutFullRequest{
			Config:     graph.CreateCheckpointConfig(lineage, ckpt.ID, ns),
			Checkpoint: ckpt,
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i),
			PendingWrites: []graph.PendingWrite{
				{TaskID: fmt.Sprintf("task-%d", i), Channel: "step", Value: i, Sequence: int64(i)},
			},
		})
		require.NoError(t, err)
		parent = ckpt.ID
		ckpts = append(ckpts, ckpt)
	}
	return ckpts
}

func TestPutFullGetTupleRoundtrip(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 1)

	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("l1", ckpts[0].ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpts[0].ID, tuple.Checkpoint.ID)
	assert.Equal(t, 0, tuple.Checkpoint.ChannelValues["step"])
	assert.Equal(t, graph.CheckpointSourceLoop, tuple.Metadata.Source)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "task-0", tuple.PendingWrites[0].TaskID)
}

func TestGetTupleDefaultsToLatest(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 3)

	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpts[2].ID, tuple.Checkpoint.ID)

	// Parent config points at the previous checkpoint.
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, ckpts[1].ID, graph.GetCheckpointID(tuple.ParentConfig))
}

func TestGetTupleMissing(t *testing.T) {
	s := NewSaver()
	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("absent", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestGetTupleIsolatesCaller(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 1)
	config := graph.CreateCheckpointConfig("l1", ckpts[0].ID, "")

	first, err := s.GetTuple(context.Background(), config)
	require.NoError(t, err)
	first.Checkpoint.ChannelValues["step"] = 999

	second, err := s.GetTuple(context.Background(), config)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Checkpoint.ChannelValues["step"])
}

func TestListNewestFirstWithLimit(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 3)
	config := graph.CreateCheckpointConfig("l1", "", "")

	tuples, err := s.List(context.Background(), config, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, ckpts[2].ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, ckpts[0].ID, tuples[2].Checkpoint.ID)

	limited, err := s.List(context.Background(), config, &graph.CheckpointFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ckpts[2].ID, limited[0].Checkpoint.ID)
}

func TestListBefore(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 3)

	tuples, err := s.List(context.Background(),
		graph.CreateCheckpointConfig("l1", "", ""),
		&graph.CheckpointFilter{Before: graph.CreateCheckpointConfig("l1", ckpts[2].ID, "")})
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, ckpts[1].ID, tuples[0].Checkpoint.ID)
}

func TestListSpansNamespacesWithoutNSKey(t *testing.T) {
	s := NewSaver()
	putSequence(t, s, "l1", "", 2)
	putSequence(t, s, "l1", "child:0", 1)

	// A config carrying the namespace key stays inside that namespace.
	rooted, err := s.List(context.Background(),
		map[string]any{graph.CfgKeyConfigurable: map[string]any{
			graph.CfgKeyLineageID:    "l1",
			graph.CfgKeyCheckpointNS: "",
		}}, nil)
	require.NoError(t, err)
	assert.Len(t, rooted, 2)

	// Without it, all namespaces are listed.
	all, err := s.List(context.Background(),
		graph.CreateCheckpointConfig("l1", "", ""), nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRetentionEvictsOldest(t *testing.T) {
	s := NewSaver(WithMaxCheckpoints(2))
	ckpts := putSequence(t, s, "l1", "", 5)

	tuples, err := s.List(context.Background(),
		graph.CreateCheckpointConfig("l1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, ckpts[4].ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, ckpts[3].ID, tuples[1].Checkpoint.ID)
}

func TestPutWrites(t *testing.T) {
	s := NewSaver()
	ckpts := putSequence(t, s, "l1", "", 1)
	config := graph.CreateCheckpointConfig("l1", ckpts[0].ID, "")

	err := s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config,
		Writes: []graph.PendingWrite{{TaskID: "extra", Channel: "step", Value: 1, Sequence: 9}},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(context.Background(), config)
	require.NoError(t, err)
	assert.Len(t, tuple.PendingWrites, 2)

	err = s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("l1", "missing", ""),
		Writes: []graph.PendingWrite{{TaskID: "x"}},
	})
	assert.ErrorIs(t, err, graph.ErrCheckpointNotFound)
}

func TestPutValidation(t *testing.T) {
	s := NewSaver()

	_, err := s.Put(context.Background(), graph.PutRequest{
		Config: graph.CreateCheckpointConfig("l1", "", ""),
	})
	assert.Error(t, err, "nil checkpoint rejected")

	ckpt := graph.NewCheckpoint(nil, nil, nil)
	_, err = s.Put(context.Background(), graph.PutRequest{
		Config:     map[string]any{},
		Checkpoint: ckpt,
	})
	assert.Error(t, err, "missing lineage rejected")
}

func TestDeleteLineage(t *testing.T) {
	s := NewSaver()
	putSequence(t, s, "l1", "", 2)
	putSequence(t, s, "l2", "", 1)

	require.NoError(t, s.DeleteLineage(context.Background(), "l1"))

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("l2", "", ""))
	require.NoError(t, err)
	assert.NotNil(t, tuple)
}

func TestCloseClearsState(t *testing.T) {
	s := NewSaver()
	putSequence(t, s, "l1", "", 1)
	require.NoError(t, s.Close())

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}
