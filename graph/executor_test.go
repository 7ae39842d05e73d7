//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-graph-go/event"
	gr "trpc.group/trpc-go/trpc-graph-go/graph"
	checkpointinmemory "trpc.group/trpc-go/trpc-graph-go/graph/checkpoint/inmemory"
)

// appendNode returns a node function that appends its tag to the "log"
// channel.
func appendNode(tag string) gr.NodeFunc {
	return func(ctx context.Context, state gr.State) (any, error) {
		return gr.State{"log": []string{tag}}, nil
	}
}

func logSchema() *gr.StateSchema {
	return gr.NewStateSchema().
		AddField("log", gr.StateField{Reducer: gr.StringSliceReducer}).
		AddField("value", gr.StateField{Reducer: gr.DefaultReducer})
}

func pipelineGraph(t *testing.T) *gr.Graph {
	t.Helper()
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddNode("c", appendNode("c")).
		AddEdge("a", "b").
		AddEdge("b", "c").
		SetEntryPoint("a").
		SetFinishPoint("c").
		Compile()
	require.NoError(t, err)
	return g
}

// anySlice normalizes string slices for saver-agnostic assertions.
func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	default:
		return nil
	}
}

func TestInvokeSequentialPipeline(t *testing.T) {
	saver := checkpointinmemory.NewSaver()
	exec, err := gr.NewExecutor(pipelineGraph(t), gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	lineage := "lineage-pipeline"
	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}},
		gr.WithLineageID(lineage))
	require.NoError(t, err)
	assert.Equal(t, gr.StatusCompleted, result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, result.State["log"])
	assert.Equal(t, 3, result.Steps)

	// One checkpoint per superstep.
	history, err := exec.CheckpointManager().History(context.Background(), lineage, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"b"}, history[0].Checkpoint.NextNodes)
	assert.Equal(t, []string{"c"}, history[1].Checkpoint.NextNodes)
	assert.Empty(t, history[2].Checkpoint.NextNodes)
	for i, tuple := range history {
		require.NotNil(t, tuple.Metadata)
		assert.Equal(t, i, tuple.Metadata.Step)
		assert.Equal(t, gr.CheckpointSourceLoop, tuple.Metadata.Source)
	}
	// Parent links form a chain.
	assert.Empty(t, history[0].Checkpoint.ParentID)
	assert.Equal(t, history[0].Checkpoint.ID, history[1].Checkpoint.ParentID)
	assert.Equal(t, history[1].Checkpoint.ID, history[2].Checkpoint.ParentID)
}

func TestParallelFanOutMergesInTaskOrder(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddNode("c", appendNode("c")).
		AddNode("d", appendNode("d")).
		AddEdge("a", "b").
		AddEdge("a", "c").
		AddEdge("b", "d").
		AddEdge("c", "d").
		SetEntryPoint("a").
		SetFinishPoint("d").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	for i := 0; i < 5; i++ {
		result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
		require.NoError(t, err)
		assert.Equal(t, gr.StatusCompleted, result.Status)
		// b and c run concurrently but merge deterministically in
		// task-creation order; d joins once.
		assert.Equal(t, []string{"a", "b", "c", "d"}, result.State["log"])
	}
}

func TestConditionalRouting(t *testing.T) {
	route := func(ctx context.Context, state gr.State) (string, error) {
		if v, _ := state["value"].(int); v > 0 {
			return "high", nil
		}
		return "low", nil
	}
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("classify", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"value": state["value"]}, nil
		}).
		AddNode("high", appendNode("high")).
		AddNode("low", appendNode("low")).
		AddConditionalEdges("classify", route, map[string]string{
			"high": "high",
			"low":  "low",
		}).
		SetEntryPoint("classify").
		SetFinishPoint("high").
		SetFinishPoint("low").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{"value": 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, result.State["log"])

	result, err = exec.Invoke(context.Background(), gr.State{"value": 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"low"}, result.State["log"])
}

func TestConditionalUnmappedLabelFails(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", appendNode("a")).
		AddNode("b", appendNode("b")).
		AddConditionalEdges("a", func(ctx context.Context, s gr.State) (string, error) {
			return "nowhere", nil
		}, map[string]string{"somewhere": "b"}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), gr.State{})
	require.Error(t, err)
	var ge *gr.GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gr.ErrorTypeConditionalEdge, ge.Type)
}

func TestCommandRoutingOverridesEdges(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", func(ctx context.Context, state gr.State) (any, error) {
			return &gr.Command{
				Update: gr.State{"log": []string{"a"}},
				GoTo:   "c",
			}, nil
		}, gr.WithDestinations(map[string]string{"c": ""})).
		AddNode("b", appendNode("b")).
		AddNode("c", appendNode("c")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("c").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	// b is skipped, its static edge overridden by the command.
	assert.Equal(t, []string{"a", "c"}, result.State["log"])
}

func TestCommandRoutingRejectsUndeclaredTarget(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", func(ctx context.Context, state gr.State) (any, error) {
			return &gr.Command{GoTo: "c"}, nil
		}).
		AddNode("b", appendNode("b")).
		AddNode("c", appendNode("c")).
		AddEdge("a", "b").
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), gr.State{})
	require.Error(t, err)
	var ge *gr.GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gr.ErrorTypeRouting, ge.Type)
}

func TestSendFanOut(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("fan", func(ctx context.Context, state gr.State) (any, error) {
			return []*gr.Send{
				{Node: "worker", Input: gr.State{"item": "x"}},
				{Node: "worker", Input: gr.State{"item": "y"}},
				{Node: "worker", Input: gr.State{"item": "z"}},
			}, nil
		}).
		AddNode("worker", func(ctx context.Context, state gr.State) (any, error) {
			item, _ := state["item"].(string)
			return gr.State{"log": []string{"worker-" + item}}, nil
		}).
		SetEntryPoint("fan").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	assert.Equal(t, gr.StatusCompleted, result.Status)
	// One task per Send, merged in emission order.
	assert.Equal(t, []string{"worker-x", "worker-y", "worker-z"}, result.State["log"])
	// Task-local inputs never leak into shared state.
	assert.NotContains(t, result.State, "item")
}

func TestNodeErrorDiscardsSuperstep(t *testing.T) {
	saver := checkpointinmemory.NewSaver()
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", appendNode("a")).
		AddNode("b", func(ctx context.Context, state gr.State) (any, error) {
			return nil, errors.New("boom")
		}).
		AddEdge("a", "b").
		SetEntryPoint("a").
		SetFinishPoint("b").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g, gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	lineage := "lineage-error"
	_, err = exec.Invoke(context.Background(), gr.State{"log": []string{}},
		gr.WithLineageID(lineage))
	require.Error(t, err)
	var ge *gr.GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gr.ErrorTypeNodeExecution, ge.Type)
	assert.Equal(t, "b", ge.NodeID)

	// The failed step committed nothing; the last checkpoint is step 0.
	tuple, err := exec.CheckpointManager().Latest(context.Background(), lineage, "")
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, 0, tuple.Metadata.Step)
	assert.Equal(t, []any{"a"}, anySlice(tuple.Checkpoint.ChannelValues["log"]))
}

func TestRecursionGuardStopsCycle(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("loop", appendNode("x")).
		AddEdge("loop", "loop").
		SetEntryPoint("loop").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{
		"log":                     []string{},
		gr.StateKeyRemainingSteps: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, gr.StatusRecursionExceeded, result.Status)
	// The budget keeps a safety margin of two: four supersteps ran and the
	// returned state is the last committed one.
	assert.Equal(t, 4, result.Steps)
	assert.Equal(t, []string{"x", "x", "x", "x"}, result.State["log"])
	assert.Equal(t, 1, result.State[gr.StateKeyRemainingSteps])
}

func TestMaxStepsCeiling(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("loop", appendNode("x")).
		AddEdge("loop", "loop").
		SetEntryPoint("loop").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g, gr.WithMaxSteps(3))
	require.NoError(t, err)
	defer exec.Close()

	// The ceiling is a graceful stop, not an error: the run ends with the
	// last committed state once three supersteps have run.
	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	assert.Equal(t, gr.StatusRecursionExceeded, result.Status)
	assert.Equal(t, 3, result.Steps)
	assert.Equal(t, []string{"x", "x", "x"}, result.State["log"])
}

func TestSchemaRejectsUndeclaredWrite(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", func(ctx context.Context, state gr.State) (any, error) {
			return gr.State{"rogue": 1}, nil
		}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), gr.State{})
	require.Error(t, err)
	var ge *gr.GraphError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gr.ErrorTypeStateValidation, ge.Type)
}

func TestExecuteStreamsEvents(t *testing.T) {
	saver := checkpointinmemory.NewSaver()
	exec, err := gr.NewExecutor(pipelineGraph(t), gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Execute(context.Background(), gr.State{"log": []string{}},
		gr.WithLineageID("lineage-stream"),
		gr.WithStreamModes(gr.StreamModeValues, gr.StreamModeUpdates, gr.StreamModeDebug))
	require.NoError(t, err)

	var collected []*event.Event
	for evt := range events {
		collected = append(collected, evt)
	}
	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	assert.Equal(t, event.TypeDone, last.Type)
	assert.True(t, last.Done)

	counts := make(map[event.Type]int)
	for _, evt := range collected {
		counts[evt.Type]++
	}
	assert.Equal(t, 3, counts[event.TypeCheckpoint])
	assert.Equal(t, 3, counts[event.TypeTask])
	assert.Equal(t, 3, counts[event.TypeTaskResult])
	assert.Equal(t, 3, counts[event.TypeValues])
	assert.Equal(t, 3, counts[event.TypeUpdates])
	assert.Zero(t, counts[event.TypeError])
}

func TestExecuteEmitsErrorEvent(t *testing.T) {
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", func(ctx context.Context, state gr.State) (any, error) {
			return nil, errors.New("boom")
		}).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	events, err := exec.Execute(context.Background(), gr.State{})
	require.NoError(t, err)
	var last *event.Event
	for evt := range events {
		last = evt
	}
	require.NotNil(t, last)
	assert.Equal(t, event.TypeError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, gr.ErrorTypeNodeExecution, last.Error.Type)
}

func TestTimeTravelResumeFromMiddleCheckpoint(t *testing.T) {
	saver := checkpointinmemory.NewSaver()
	exec, err := gr.NewExecutor(pipelineGraph(t), gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	lineage := "lineage-travel"
	ctx := context.Background()
	_, err = exec.Invoke(ctx, gr.State{"log": []string{}}, gr.WithLineageID(lineage))
	require.NoError(t, err)

	history, err := exec.CheckpointManager().History(ctx, lineage, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	afterA := history[0]

	// Re-run from the checkpoint committed after node a: b and c execute
	// again against that snapshot, appending new checkpoints to the
	// lineage without touching the original three.
	result, err := exec.Invoke(ctx, nil,
		gr.WithLineageID(lineage),
		gr.WithCheckpointID(afterA.Checkpoint.ID))
	require.NoError(t, err)
	assert.Equal(t, gr.StatusCompleted, result.Status)
	assert.Equal(t, []any{"a", "b", "c"}, anySlice(result.State["log"]))

	history, err = exec.CheckpointManager().History(ctx, lineage, "")
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestResumeFromUnknownCheckpointFails(t *testing.T) {
	exec, err := gr.NewExecutor(pipelineGraph(t),
		gr.WithCheckpointSaver(checkpointinmemory.NewSaver()))
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), nil,
		gr.WithLineageID("lineage-x"),
		gr.WithCheckpointID("no-such-checkpoint"))
	assert.ErrorIs(t, err, gr.ErrCheckpointNotFound)
}

func TestUpdateStateSynthesizesCheckpoint(t *testing.T) {
	saver := checkpointinmemory.NewSaver()
	exec, err := gr.NewExecutor(pipelineGraph(t), gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	ctx := context.Background()
	lineage := "lineage-update"
	_, err = exec.Invoke(ctx, gr.State{"log": []string{}, "value": 1},
		gr.WithLineageID(lineage))
	require.NoError(t, err)

	newConfig, err := exec.UpdateState(ctx,
		gr.CreateCheckpointConfig(lineage, "", ""),
		gr.State{"value": 99}, "a")
	require.NoError(t, err)

	tuple, err := exec.CheckpointManager().Get(ctx, newConfig)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, gr.CheckpointSourceUpdate, tuple.Metadata.Source)
	assert.EqualValues(t, 99, tuple.Checkpoint.ChannelValues["value"])
	// Routing continues as if node a produced the patch.
	assert.Equal(t, []string{"b"}, tuple.Checkpoint.NextNodes)

	result, err := exec.Invoke(ctx, nil,
		gr.WithLineageID(lineage),
		gr.WithCheckpointID(gr.GetCheckpointID(newConfig)))
	require.NoError(t, err)
	assert.Equal(t, gr.StatusCompleted, result.Status)
	assert.EqualValues(t, 99, result.State["value"])
}

func TestUpdateStateRoutesConditionalEdge(t *testing.T) {
	route := func(ctx context.Context, state gr.State) (string, error) {
		if v, _ := state["value"].(int); v > 0 {
			return "high", nil
		}
		return "low", nil
	}
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("classify", appendNode("classify")).
		AddNode("high", appendNode("high")).
		AddNode("low", appendNode("low")).
		AddConditionalEdges("classify", route, map[string]string{
			"high": "high",
			"low":  "low",
		}).
		SetEntryPoint("classify").
		SetFinishPoint("high").
		SetFinishPoint("low").
		Compile()
	require.NoError(t, err)

	saver := checkpointinmemory.NewSaver()
	exec, err := gr.NewExecutor(g, gr.WithCheckpointSaver(saver))
	require.NoError(t, err)
	defer exec.Close()

	ctx := context.Background()
	lineage := "lineage-update-cond"
	result, err := exec.Invoke(ctx, gr.State{"log": []string{}, "value": 0},
		gr.WithLineageID(lineage))
	require.NoError(t, err)
	assert.Equal(t, []string{"classify", "low"}, result.State["log"])

	// The patch flips the condition: the synthesized checkpoint routes to
	// the branch the merged state selects, as if classify had written it.
	newConfig, err := exec.UpdateState(ctx,
		gr.CreateCheckpointConfig(lineage, "", ""),
		gr.State{"value": 5}, "classify")
	require.NoError(t, err)

	tuple, err := exec.CheckpointManager().Get(ctx, newConfig)
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, []string{"high"}, tuple.Checkpoint.NextNodes)

	rerun, err := exec.Invoke(ctx, nil,
		gr.WithLineageID(lineage),
		gr.WithCheckpointID(gr.GetCheckpointID(newConfig)))
	require.NoError(t, err)
	assert.Equal(t, gr.StatusCompleted, rerun.Status)
	assert.Equal(t, []any{"classify", "low", "high"}, anySlice(rerun.State["log"]))
}

func TestUpdateStateWithoutSaver(t *testing.T) {
	exec, err := gr.NewExecutor(pipelineGraph(t))
	require.NoError(t, err)
	defer exec.Close()
	_, err = exec.UpdateState(context.Background(),
		gr.CreateCheckpointConfig("l", "", ""), gr.State{"value": 1}, "")
	assert.ErrorIs(t, err, gr.ErrNoCheckpointSaver)
}

func TestRetryPolicyRecoversFlakyNode(t *testing.T) {
	attempts := 0
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("flaky", func(ctx context.Context, state gr.State) (any, error) {
			attempts++
			if attempts < 3 {
				return nil, fmt.Errorf("transient %d", attempts)
			}
			return gr.State{"log": []string{"ok"}}, nil
		}, gr.WithRetryPolicy(&gr.RetryPolicy{MaxAttempts: 3, BaseDelay: 1})).
		SetEntryPoint("flaky").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, result.State["log"])
	assert.Equal(t, 3, attempts)
}

func TestNodeCallbacks(t *testing.T) {
	var order []string
	callbacks := gr.NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cc *gr.NodeCallbackContext, state gr.State) (any, error) {
			order = append(order, "before:"+cc.NodeID)
			return nil, nil
		}).
		RegisterAfterNode(func(ctx context.Context, cc *gr.NodeCallbackContext, state gr.State, result any, nodeErr error) (any, error) {
			order = append(order, "after:"+cc.NodeID)
			return nil, nil
		})
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", appendNode("a"), gr.WithNodeCallbacks(callbacks)).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	_, err = exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"before:a", "after:a"}, order)
}

func TestBeforeCallbackShortCircuitsNode(t *testing.T) {
	callbacks := gr.NewNodeCallbacks().
		RegisterBeforeNode(func(ctx context.Context, cc *gr.NodeCallbackContext, state gr.State) (any, error) {
			return gr.State{"log": []string{"from-callback"}}, nil
		})
	ran := false
	g, err := gr.NewStateGraph(logSchema()).
		AddNode("a", func(ctx context.Context, state gr.State) (any, error) {
			ran = true
			return gr.State{"log": []string{"from-node"}}, nil
		}, gr.WithNodeCallbacks(callbacks)).
		SetEntryPoint("a").
		Compile()
	require.NoError(t, err)
	exec, err := gr.NewExecutor(g)
	require.NoError(t, err)
	defer exec.Close()

	result, err := exec.Invoke(context.Background(), gr.State{"log": []string{}})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, []string{"from-callback"}, result.State["log"])
}
