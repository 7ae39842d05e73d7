//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/graph"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	s, err := NewSaver(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putCheckpoints(t *testing.T, s *Saver, lineage, ns string, n int) []*graph.Checkpoint {
	t.Helper()
	var ckpts []*graph.Checkpoint
	parent := ""
	for i := 0; i < n; i++ {
		ckpt := graph.NewCheckpoint(
			map[string]any{"step": i, "log": []string{"a"}},
			map[string]int64{"branch:to:n": int64(i + 1)},
			map[string]map[string]int64{"n": {"branch:to:n": int64(i)}},
		)
		ckpt.ParentID = parent
		ckpt.NextNodes = []string{"n"}
		_, err := s.PutFull(context.Background(), graph.PutFullRequest{
			Config:     graph.CreateCheckpointConfig(lineage, ckpt.ID, ns),
			Checkpoint: ckpt,
			Metadata:   graph.NewCheckpointMetadata(graph.CheckpointSourceLoop, i),
			PendingWrites: []graph.PendingWrite{
				{TaskID: "t", Channel: "step", Value: i, Sequence: int64(i)},
			},
		})
		require.NoError(t, err)
		parent = ckpt.ID
		ckpts = append(ckpts, ckpt)
	}
	return ckpts
}

func TestSQLiteRoundtrip(t *testing.T) {
	s := newTestSaver(t)
	ckpts := putCheckpoints(t, s, "l1", "", 1)

	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("l1", ckpts[0].ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpts[0].ID, tuple.Checkpoint.ID)
	assert.Equal(t, []string{"n"}, tuple.Checkpoint.NextNodes)
	// JSON roundtrip widens ints to float64.
	assert.EqualValues(t, 0, tuple.Checkpoint.ChannelValues["step"])
	assert.EqualValues(t, 1, tuple.Checkpoint.ChannelVersions["branch:to:n"])
	require.NotNil(t, tuple.Metadata)
	assert.Equal(t, graph.CheckpointSourceLoop, tuple.Metadata.Source)
	require.Len(t, tuple.PendingWrites, 1)
	assert.Equal(t, "t", tuple.PendingWrites[0].TaskID)
}

func TestSQLiteLatest(t *testing.T) {
	s := newTestSaver(t)
	ckpts := putCheckpoints(t, s, "l1", "", 3)

	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpts[2].ID, tuple.Checkpoint.ID)
	assert.Equal(t, 2, tuple.Metadata.Step)
}

func TestSQLiteMissing(t *testing.T) {
	s := newTestSaver(t)
	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("absent", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestSQLiteNamespaceIsolation(t *testing.T) {
	s := newTestSaver(t)
	putCheckpoints(t, s, "l1", "", 1)
	child := putCheckpoints(t, s, "l1", "sub:0", 1)

	tuple, err := s.GetTuple(context.Background(),
		graph.CreateCheckpointConfig("l1", "", "sub:0"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, child[0].ID, tuple.Checkpoint.ID)
}

func TestSQLiteListNewestFirst(t *testing.T) {
	s := newTestSaver(t)
	ckpts := putCheckpoints(t, s, "l1", "", 3)
	config := graph.CreateCheckpointConfig("l1", "", "")

	tuples, err := s.List(context.Background(), config, nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, ckpts[2].ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, ckpts[0].ID, tuples[2].Checkpoint.ID)

	limited, err := s.List(context.Background(), config, &graph.CheckpointFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ckpts[2].ID, limited[0].Checkpoint.ID)

	before, err := s.List(context.Background(), config,
		&graph.CheckpointFilter{Before: graph.CreateCheckpointConfig("l1", ckpts[2].ID, "")})
	require.NoError(t, err)
	require.Len(t, before, 2)
	assert.Equal(t, ckpts[1].ID, before[0].Checkpoint.ID)
}

func TestSQLitePutWrites(t *testing.T) {
	s := newTestSaver(t)
	ckpts := putCheckpoints(t, s, "l1", "", 1)
	config := graph.CreateCheckpointConfig("l1", ckpts[0].ID, "")

	err := s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config,
		Writes: []graph.PendingWrite{{TaskID: "t2", Channel: "log", Value: []string{"b"}, Sequence: 7}},
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(context.Background(), config)
	require.NoError(t, err)
	assert.Len(t, tuple.PendingWrites, 2)
}

func TestSQLiteDeleteLineage(t *testing.T) {
	s := newTestSaver(t)
	putCheckpoints(t, s, "l1", "", 2)
	putCheckpoints(t, s, "l2", "", 1)

	require.NoError(t, s.DeleteLineage(context.Background(), "l1"))

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("l1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("l2", "", ""))
	require.NoError(t, err)
	assert.NotNil(t, tuple)
}

func TestSQLiteBacksExecutor(t *testing.T) {
	s := newTestSaver(t)

	schema := graph.NewStateSchema().
		AddField("log", graph.StateField{Reducer: graph.StringSliceReducer})
	g, err := graph.NewStateGraph(schema).
		AddNode("a", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"log": []string{"a"}}, nil
		}).
		AddNode("b", func(ctx context.Context, state graph.State) (any, error) {
			return graph.State{"log": []string{"b"}}, nil
		}).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)

	exec, err := graph.NewExecutor(g, graph.WithCheckpointSaver(s))
	require.NoError(t, err)
	defer exec.Close()

	ctx := context.Background()
	lineage := "lineage-sqlite"
	result, err := exec.Invoke(ctx, graph.State{"log": []string{}},
		graph.WithLineageID(lineage))
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, result.Status)

	history, err := exec.CheckpointManager().History(ctx, lineage, "")
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Resume from the first checkpoint; values survive the JSON roundtrip.
	rerun, err := exec.Invoke(ctx, nil,
		graph.WithLineageID(lineage),
		graph.WithCheckpointID(history[0].Checkpoint.ID))
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, rerun.Status)
	assert.Len(t, rerun.State["log"], 2)
}
