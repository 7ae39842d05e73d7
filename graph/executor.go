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
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-graph-go/event"
	"trpc.group/trpc-go/trpc-graph-go/graph/internal/channel"
	itelemetry "trpc.group/trpc-go/trpc-graph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-graph-go/log"
	atrace "trpc.group/trpc-go/trpc-graph-go/telemetry/trace"
)

// Executor defaults.
const (
	defaultMaxSteps          = 100
	defaultChannelBufferSize = 256
	defaultMaxConcurrency    = 10

	// recursionSafetyMargin is how many steps of headroom the
	// remaining-steps guard reserves so a routing function can still reach
	// a terminal node before the budget runs out.
	recursionSafetyMargin = 2
)

// Status is the terminal status of an execution.
type Status string

const (
	// StatusCompleted means no tasks remained to plan.
	StatusCompleted Status = "completed"
	// StatusInterrupted means execution paused awaiting external input.
	StatusInterrupted Status = "interrupted"
	// StatusRecursionExceeded means the remaining-steps budget ran out.
	StatusRecursionExceeded Status = "recursion_exceeded"
)

// ExecutionResult is the outcome of a synchronous Invoke.
type ExecutionResult struct {
	Status Status
	// State is the final merged state, internal keys stripped.
	State State
	// Interrupt is set when Status is StatusInterrupted.
	Interrupt *InterruptPayload
	// ParentCommand is set when a subgraph node routed into the enclosing
	// graph. Only populated on nested executions.
	ParentCommand *Command
	// Steps is the number of supersteps executed in this run.
	Steps int
}

// ExecutionContext is exposed to node functions through their state
// snapshot.
type ExecutionContext struct {
	InvocationID string
	LineageID    string
	Namespace    string
	Step         int
}

// Invocation identifies and configures one execution of a graph.
type Invocation struct {
	InvocationID string
	LineageID    string
	CheckpointID string
	Namespace    string
	StreamModes  []StreamMode
	ResumeMap    map[string]any
}

// InvokeOption configures an Invocation.
type InvokeOption func(*Invocation)

// WithLineageID pins the execution to a lineage for checkpointing.
func WithLineageID(lineageID string) InvokeOption {
	return func(inv *Invocation) { inv.LineageID = lineageID }
}

// WithCheckpointID resumes from a specific checkpoint instead of the
// lineage's latest.
func WithCheckpointID(checkpointID string) InvokeOption {
	return func(inv *Invocation) { inv.CheckpointID = checkpointID }
}

// WithNamespace sets the checkpoint namespace.
func WithNamespace(namespace string) InvokeOption {
	return func(inv *Invocation) { inv.Namespace = namespace }
}

// WithInvocationID sets the invocation ID stamped on emitted events.
func WithInvocationID(invocationID string) InvokeOption {
	return func(inv *Invocation) { inv.InvocationID = invocationID }
}

// WithStreamModes selects the event kinds the execution emits.
func WithStreamModes(modes ...StreamMode) InvokeOption {
	return func(inv *Invocation) { inv.StreamModes = modes }
}

// WithConfig applies a checkpoint config map, reading the configurable keys
// lineage_id, checkpoint_id, checkpoint_ns, and resume_map.
func WithConfig(config map[string]any) InvokeOption {
	return func(inv *Invocation) {
		if v := GetLineageID(config); v != "" {
			inv.LineageID = v
		}
		if v := GetCheckpointID(config); v != "" {
			inv.CheckpointID = v
		}
		if v := GetNamespace(config); v != "" {
			inv.Namespace = v
		}
		if v := GetResumeMap(config); v != nil {
			inv.ResumeMap = v
		}
	}
}

// Executor runs a compiled graph as a sequence of supersteps: plan the
// ready tasks, run them concurrently against an immutable snapshot, merge
// their writes at the barrier in task order, route, checkpoint, repeat. A
// superstep commits atomically or not at all.
type Executor struct {
	graph   *Graph
	saver   CheckpointSaver
	manager *CheckpointManager
	pool    *ants.Pool

	maxSteps              int
	maxConcurrency        int
	channelBufferSize     int
	stepTimeout           time.Duration
	nodeTimeout           time.Duration
	checkpointSaveTimeout time.Duration
	interruptBefore       map[string]bool
	interruptAfter        map[string]bool

	// subgraphExecutors are built once per compiled subgraph node so the
	// child shares the parent's saver and execution options.
	subgraphExecutors map[string]*Executor
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointSaver enables checkpointing through the saver.
func WithCheckpointSaver(saver CheckpointSaver) ExecutorOption {
	return func(e *Executor) { e.saver = saver }
}

// WithMaxSteps sets the hard superstep ceiling.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(e *Executor) {
		if maxSteps > 0 {
			e.maxSteps = maxSteps
		}
	}
}

// WithMaxConcurrency bounds how many tasks run at once within a superstep.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithChannelBufferSize sets the event channel capacity.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(e *Executor) {
		if size > 0 {
			e.channelBufferSize = size
		}
	}
}

// WithStepTimeout bounds each superstep.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithNodeTimeout bounds each node function call.
func WithNodeTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithCheckpointSaveTimeout bounds each checkpoint save.
func WithCheckpointSaveTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.checkpointSaveTimeout = d }
}

// WithInterruptBefore pauses execution before the named nodes run.
func WithInterruptBefore(nodeIDs ...string) ExecutorOption {
	return func(e *Executor) {
		for _, id := range nodeIDs {
			e.interruptBefore[id] = true
		}
	}
}

// WithInterruptAfter pauses execution after the named nodes complete and
// their superstep commits.
func WithInterruptAfter(nodeIDs ...string) ExecutorOption {
	return func(e *Executor) {
		for _, id := range nodeIDs {
			e.interruptAfter[id] = true
		}
	}
}

// NewExecutor creates an executor for a compiled graph.
func NewExecutor(g *Graph, opts ...ExecutorOption) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	e := &Executor{
		graph:             g,
		maxSteps:          defaultMaxSteps,
		maxConcurrency:    defaultMaxConcurrency,
		channelBufferSize: defaultChannelBufferSize,
		interruptBefore:   make(map[string]bool),
		interruptAfter:    make(map[string]bool),
		subgraphExecutors: make(map[string]*Executor),
	}
	for _, opt := range opts {
		opt(e)
	}
	pool, err := ants.NewPool(e.maxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	e.pool = pool
	if e.saver != nil {
		e.manager = NewCheckpointManager(e.saver)
	}
	for id, node := range g.Nodes() {
		if node.subgraph == nil {
			continue
		}
		child, err := NewExecutor(node.subgraph,
			WithCheckpointSaver(e.saver),
			WithMaxSteps(e.maxSteps),
			WithMaxConcurrency(e.maxConcurrency),
			WithStepTimeout(e.stepTimeout),
			WithNodeTimeout(e.nodeTimeout),
			WithCheckpointSaveTimeout(e.checkpointSaveTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("create subgraph executor for node %s: %w", id, err)
		}
		e.subgraphExecutors[id] = child
	}
	return e, nil
}

// Graph returns the executed graph.
func (e *Executor) Graph() *Graph { return e.graph }

// CheckpointManager returns the manager over the configured saver, or nil.
func (e *Executor) CheckpointManager() *CheckpointManager { return e.manager }

// Close releases the worker pool. The saver is owned by the caller.
func (e *Executor) Close() {
	for _, child := range e.subgraphExecutors {
		child.Close()
	}
	if e.pool != nil {
		e.pool.Release()
	}
}

type emitFunc func(*event.Event)

// Execute runs the graph and streams events. The channel closes after the
// terminal done or error event. Input may be a State with initial values or
// a *Command carrying resume data and routing.
func (e *Executor) Execute(ctx context.Context, input any, opts ...InvokeOption) (<-chan *event.Event, error) {
	inv := e.newInvocation(opts)
	eventChan := make(chan *event.Event, e.channelBufferSize)
	emit := func(evt *event.Event) {
		if evt.Branch == "" {
			evt.Branch = inv.Namespace
		}
		select {
		case eventChan <- evt:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(eventChan)
		result, err := e.run(ctx, input, inv, emit)
		if err != nil {
			errType := ErrorTypeGraphExecution
			var ge *GraphError
			if errors.As(err, &ge) {
				errType = ge.Type
			}
			emit(event.NewErrorEvent(inv.InvocationID, AuthorGraphExecutor, errType, err.Error()))
			return
		}
		emit(newDoneEvent(inv.InvocationID, result.Steps))
	}()
	return eventChan, nil
}

// Invoke runs the graph to its terminal status and returns the result.
func (e *Executor) Invoke(ctx context.Context, input any, opts ...InvokeOption) (*ExecutionResult, error) {
	inv := e.newInvocation(opts)
	return e.run(ctx, input, inv, nil)
}

func (e *Executor) newInvocation(opts []InvokeOption) *Invocation {
	inv := &Invocation{StreamModes: []StreamMode{StreamModeValues}}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.InvocationID == "" {
		inv.InvocationID = uuid.NewString()
	}
	if inv.LineageID == "" {
		inv.LineageID = uuid.NewString()
	}
	return inv
}

func (inv *Invocation) hasMode(mode StreamMode) bool {
	for _, m := range inv.StreamModes {
		if m == mode {
			return true
		}
	}
	return false
}

// execState is the mutable state of one run.
type execState struct {
	state        State
	channels     *channel.Manager
	versionsSeen map[string]map[string]int64
	pendingSends []*Send
	parentCkptID string
	resumeMap    map[string]any
	// skipStaticInterrupt suppresses the interrupt-before check for the
	// first step of a resumed run.
	skipStaticInterrupt bool
	sequence            int64
}

// run is the superstep loop shared by Invoke and Execute.
func (e *Executor) run(ctx context.Context, input any, inv *Invocation, emit emitFunc) (*ExecutionResult, error) {
	ctx, span := atrace.Tracer.Start(ctx, "graph.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyInvocationID, inv.InvocationID),
		attribute.String(itelemetry.KeyLineageID, inv.LineageID),
	)

	es, tasks, startStep, err := e.prepareRun(ctx, input, inv)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	stepsRun := 0
	for step := startStep; ; step++ {
		if len(tasks) == 0 {
			log.Debugf("graph %s: completed after %d steps", inv.InvocationID, stepsRun)
			return &ExecutionResult{Status: StatusCompleted, State: finalState(es.state), Steps: stepsRun}, nil
		}
		if stepsRun >= e.maxSteps {
			log.Warnf("graph %s: step ceiling reached after %d steps", inv.InvocationID, stepsRun)
			return &ExecutionResult{Status: StatusRecursionExceeded, State: finalState(es.state), Steps: stepsRun}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Static interrupt before the step's nodes run. The previous
		// checkpoint already records these tasks as NextNodes, so no
		// extra checkpoint is written here.
		if !es.skipStaticInterrupt {
			if paused := e.staticInterruptBefore(tasks); paused != nil {
				payload := &InterruptPayload{NodeID: paused.NodeID, TaskID: paused.ID}
				e.emitInterrupt(inv, emit, step, payload)
				return &ExecutionResult{
					Status:    StatusInterrupted,
					State:     finalState(es.state),
					Interrupt: payload,
					Steps:     stepsRun,
				}, nil
			}
		}
		es.skipStaticInterrupt = false

		results, err := e.runStep(ctx, inv, emit, es, tasks, step)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		stepsRun++

		// A dynamic interrupt discards the whole step's writes. Resume
		// values consumed before the interrupt fired are kept so the
		// re-run stays idempotent.
		if interrupt := firstInterrupt(results); interrupt != nil {
			mergeUsedInterrupts(es, results)
			if err := e.commitInterrupt(ctx, inv, es, interrupt, tasks, step); err != nil {
				return nil, err
			}
			payload := &InterruptPayload{
				NodeID: interrupt.NodeID,
				TaskID: interrupt.TaskID,
				Key:    interrupt.Key,
				Prompt: interrupt.Value,
			}
			e.emitInterrupt(inv, emit, step, payload)
			return &ExecutionResult{
				Status:    StatusInterrupted,
				State:     finalState(es.state),
				Interrupt: payload,
				Steps:     stepsRun,
			}, nil
		}

		stepUpdate, err := e.mergeWrites(es, results)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		sends, parentCmd, err := e.route(ctx, es, results, step)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		remaining, hasBudget := decrementRemainingSteps(es.state)

		nextTasks, triggered, err := e.planStep(e.graph, es.channels, sends)
		if err != nil {
			return nil, err
		}
		e.recordVersionsSeen(es, nextTasks)

		if err := e.commitStep(ctx, inv, emit, es, results, nextTasks, triggered, sends, step); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if inv.hasMode(StreamModeUpdates) && emit != nil && len(stepUpdate) > 0 {
			emit(newUpdatesEvent(inv.InvocationID, step, finalState(stepUpdate)))
		}
		if inv.hasMode(StreamModeValues) && emit != nil {
			emit(newValuesEvent(inv.InvocationID, step, finalState(es.state)))
		}

		if parentCmd != nil {
			return &ExecutionResult{
				Status:        StatusCompleted,
				State:         finalState(es.state),
				ParentCommand: parentCmd,
				Steps:         stepsRun,
			}, nil
		}
		if hasBudget && remaining < recursionSafetyMargin && len(nextTasks) > 0 {
			log.Warnf("graph %s: remaining steps exhausted at step %d", inv.InvocationID, step)
			return &ExecutionResult{Status: StatusRecursionExceeded, State: finalState(es.state), Steps: stepsRun}, nil
		}
		if paused := e.staticInterruptAfter(tasks); paused != nil {
			payload := &InterruptPayload{NodeID: paused.NodeID, TaskID: paused.ID}
			e.emitInterrupt(inv, emit, step, payload)
			return &ExecutionResult{
				Status:    StatusInterrupted,
				State:     finalState(es.state),
				Interrupt: payload,
				Steps:     stepsRun,
			}, nil
		}
		tasks = nextTasks
	}
}

// prepareRun restores or initializes the execution state and plans the
// first superstep.
func (e *Executor) prepareRun(ctx context.Context, input any, inv *Invocation) (*execState, []*Task, int, error) {
	es := &execState{
		state:        make(State),
		channels:     e.graph.newChannelRuntime(),
		versionsSeen: make(map[string]map[string]int64),
		resumeMap:    make(map[string]any),
	}
	for k, v := range inv.ResumeMap {
		es.resumeMap[k] = v
	}

	var tuple *CheckpointTuple
	if e.saver != nil {
		var err error
		tuple, err = e.saver.GetTuple(ctx, CreateCheckpointConfig(inv.LineageID, inv.CheckpointID, inv.Namespace))
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load checkpoint: %w", err)
		}
		if tuple == nil && inv.CheckpointID != "" {
			return nil, nil, 0, ErrCheckpointNotFound
		}
	}

	startStep := 0
	var nextNodes []string
	var interruptState *InterruptState
	if tuple != nil {
		ckpt := tuple.Checkpoint
		for k, v := range ckpt.ChannelValues {
			es.state[k] = deepCopyAny(v)
		}
		for name, version := range ckpt.ChannelVersions {
			if ch, ok := es.channels.Get(name); ok {
				ch.Restore(version, false)
			}
		}
		for node, seen := range ckpt.VersionsSeen {
			copied := make(map[string]int64, len(seen))
			for chName, ver := range seen {
				copied[chName] = ver
			}
			es.versionsSeen[node] = copied
		}
		es.pendingSends = append(es.pendingSends, ckpt.PendingSends...)
		es.parentCkptID = ckpt.ID
		nextNodes = ckpt.NextNodes
		interruptState = ckpt.InterruptState
		startStep = 0
		if tuple.Metadata != nil {
			// Interrupted steps never committed, so they re-run under
			// the same step index.
			if tuple.Metadata.Source == CheckpointSourceInterrupt {
				startStep = tuple.Metadata.Step
			} else {
				startStep = tuple.Metadata.Step + 1
			}
		}
	}

	cmd, _ := input.(*Command)
	if cmd != nil {
		for k, v := range cmd.ResumeMap {
			es.resumeMap[k] = v
		}
		if cmd.Resume != nil {
			key := resumeDefaultKey
			if interruptState != nil {
				key = interruptState.Key
			}
			es.resumeMap[key] = cmd.Resume
		}
		if cmd.Update != nil {
			if err := e.graph.schema.CheckUpdate(cmd.Update); err != nil {
				return nil, nil, 0, NewGraphError(ErrorTypeStateValidation, "", err)
			}
			es.state = e.graph.schema.ApplyUpdate(es.state, cmd.Update)
		}
		es.skipStaticInterrupt = true
	} else if inputState := asState(input); inputState != nil {
		if err := e.graph.schema.CheckUpdate(inputState); err != nil {
			return nil, nil, 0, NewGraphError(ErrorTypeStateValidation, "", err)
		}
		es.state = e.graph.schema.ApplyUpdate(es.state, inputState)
	}
	es.state = e.graph.schema.ApplyDefaults(es.state)

	var tasks []*Task
	var err error
	switch {
	case cmd != nil && cmd.GoTo != "":
		if cmd.Scope == ScopeParent {
			return nil, nil, 0, NewGraphError(ErrorTypeRouting, "",
				fmt.Errorf("parent-scope command outside a subgraph"))
		}
		tasks, err = planNodes(e.graph, []string{cmd.GoTo})
	case tuple != nil:
		tasks, err = planNodes(e.graph, nextNodes)
		if err == nil && len(es.pendingSends) > 0 {
			sendTasks, _, sendErr := e.planStep(e.graph, channelManagerEmpty(), es.pendingSends)
			if sendErr != nil {
				err = sendErr
			} else {
				tasks = append(tasks, sendTasks...)
			}
			es.pendingSends = nil
		}
	default:
		entry := e.graph.EntryPoint()
		if ch, ok := es.channels.Get(ChannelBranchPrefix + entry); ok {
			ch.Update([]any{Start}, startStep)
		}
		tasks, _, err = e.planStep(e.graph, es.channels, nil)
	}
	if err != nil {
		return nil, nil, 0, err
	}
	e.recordVersionsSeen(es, tasks)
	return es, tasks, startStep, nil
}

// channelManagerEmpty returns a throwaway manager so send-only planning
// does not touch the live channels.
func channelManagerEmpty() *channel.Manager { return channel.NewManager() }

func asState(input any) State {
	switch v := input.(type) {
	case State:
		return v
	case map[string]any:
		return State(v)
	default:
		return nil
	}
}

// staticInterruptBefore returns the first planned task whose node is
// registered for interrupt-before, or nil.
func (e *Executor) staticInterruptBefore(tasks []*Task) *Task {
	for _, t := range tasks {
		if e.interruptBefore[t.NodeID] {
			return t
		}
	}
	return nil
}

// staticInterruptAfter returns the first completed task whose node is
// registered for interrupt-after, or nil.
func (e *Executor) staticInterruptAfter(tasks []*Task) *Task {
	for _, t := range tasks {
		if e.interruptAfter[t.NodeID] {
			return t
		}
	}
	return nil
}

func (e *Executor) emitInterrupt(inv *Invocation, emit emitFunc, step int, payload *InterruptPayload) {
	if emit == nil {
		return
	}
	emit(newInterruptEvent(inv.InvocationID, step, payload))
}

// taskResult is one task's outcome collected at the barrier.
type taskResult struct {
	task           *Task
	update         State
	commands       []*Command
	sends          []*Send
	usedInterrupts map[string]any
	err            error
}

// runStep runs all planned tasks concurrently against an immutable
// snapshot and waits at the barrier. A non-interrupt task error fails the
// whole step.
func (e *Executor) runStep(ctx context.Context, inv *Invocation, emit emitFunc, es *execState, tasks []*Task, step int) ([]*taskResult, error) {
	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	results := make([]*taskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		if inv.hasMode(StreamModeDebug) && emit != nil {
			emit(newTaskEvent(inv.InvocationID, step, &TaskPayload{
				ID:       task.ID,
				Name:     task.Name,
				Input:    finalState(task.Input),
				Triggers: task.Triggers,
			}))
		}
		wg.Add(1)
		i, task := i, task
		job := func() {
			defer wg.Done()
			results[i] = e.runTask(stepCtx, inv, emit, es, task, step)
		}
		if err := e.pool.Submit(job); err != nil {
			// Pool saturated or released: degrade to inline execution.
			job()
		}
	}
	wg.Wait()

	for _, r := range results {
		if r.err == nil {
			continue
		}
		if _, ok := AsInterrupt(r.err); ok {
			continue
		}
		if inv.hasMode(StreamModeDebug) && emit != nil {
			emit(newTaskResultEvent(inv.InvocationID, step, &TaskResultPayload{
				ID: r.task.ID, Name: r.task.Name, Error: r.err.Error(),
			}))
		}
		return nil, r.err
	}
	if inv.hasMode(StreamModeDebug) && emit != nil {
		for _, r := range results {
			payload := &TaskResultPayload{ID: r.task.ID, Name: r.task.Name, Result: finalState(r.update)}
			if interrupt, ok := AsInterrupt(r.err); ok {
				payload.Interrupts = []string{interrupt.Key}
			}
			emit(newTaskResultEvent(inv.InvocationID, step, payload))
		}
	}
	return results, nil
}

// firstInterrupt returns the first interrupt among results, in task order.
func firstInterrupt(results []*taskResult) *InterruptError {
	for _, r := range results {
		if interrupt, ok := AsInterrupt(r.err); ok {
			return interrupt
		}
	}
	return nil
}

// taskSnapshot builds the isolated state a task executes against.
func (e *Executor) taskSnapshot(inv *Invocation, es *execState, task *Task, step int) State {
	var snapshot State
	if task.IsSend {
		snapshot = deepCopyState(task.Input)
		if snapshot == nil {
			snapshot = make(State)
		}
	} else {
		snapshot = deepCopyState(es.state)
	}
	if len(es.resumeMap) > 0 {
		rm := make(map[string]any, len(es.resumeMap))
		for k, v := range es.resumeMap {
			rm[k] = v
		}
		snapshot[StateKeyResumeMap] = rm
	}
	if used, ok := es.state[StateKeyUsedInterrupts].(map[string]any); ok {
		copied := make(map[string]any, len(used))
		for k, v := range used {
			copied[k] = v
		}
		snapshot[StateKeyUsedInterrupts] = copied
	}
	snapshot[StateKeyExecContext] = &ExecutionContext{
		InvocationID: inv.InvocationID,
		LineageID:    inv.LineageID,
		Namespace:    inv.Namespace,
		Step:         step,
	}
	snapshot[StateKeyCurrentNodeID] = task.NodeID
	snapshot[StateKeyCurrentTaskID] = task.ID
	return snapshot
}

// runTask executes one task: callbacks, the node function or subgraph,
// retries, and result normalization.
func (e *Executor) runTask(ctx context.Context, inv *Invocation, emit emitFunc, es *execState, task *Task, step int) *taskResult {
	ctx, span := atrace.Tracer.Start(ctx, "graph.node."+task.NodeID)
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyNodeID, task.NodeID),
		attribute.String(itelemetry.KeyTaskID, task.ID),
		attribute.Int(itelemetry.KeyStep, step),
	)

	r := &taskResult{task: task}
	node, ok := e.graph.Node(task.NodeID)
	if !ok {
		r.err = NewGraphError(ErrorTypeInvalidNode, task.NodeID, fmt.Errorf("node does not exist"))
		return r
	}
	snapshot := e.taskSnapshot(inv, es, task, step)
	cc := &NodeCallbackContext{
		NodeID:       node.ID,
		NodeName:     node.Name,
		InvocationID: inv.InvocationID,
		Step:         step,
	}

	result, err := node.callbacks.runBefore(ctx, cc, snapshot)
	if err != nil {
		r.err = NewGraphError(ErrorTypeNodeExecution, node.ID, err)
		return r
	}
	if result == nil {
		if node.subgraph != nil {
			result, err = e.runSubgraph(ctx, inv, emit, es, node, snapshot, step)
		} else {
			result, err = e.callNodeFunc(ctx, node, snapshot)
		}
	}
	if err != nil {
		if interrupt, ok := AsInterrupt(err); ok {
			if interrupt.NodeID == "" {
				interrupt.NodeID = node.ID
			}
			if interrupt.TaskID == "" {
				interrupt.TaskID = task.ID
			}
			interrupt.Step = step
			r.err = interrupt
			if used, ok := snapshot[StateKeyUsedInterrupts].(map[string]any); ok && len(used) > 0 {
				r.usedInterrupts = used
			}
			return r
		}
		node.callbacks.runOnError(ctx, cc, snapshot, err)
		span.SetStatus(codes.Error, err.Error())
		r.err = NewGraphError(ErrorTypeNodeExecution, node.ID, err)
		return r
	}
	result, err = node.callbacks.runAfter(ctx, cc, snapshot, result, nil)
	if err != nil {
		r.err = NewGraphError(ErrorTypeNodeExecution, node.ID, err)
		return r
	}

	normalized, err := normalizeNodeResult(node.ID, result)
	if err != nil {
		r.err = err
		return r
	}
	r.update = normalized.update
	r.commands = normalized.commands
	r.sends = normalized.sends
	if used, ok := snapshot[StateKeyUsedInterrupts].(map[string]any); ok && len(used) > 0 {
		r.usedInterrupts = used
	}
	return r
}

// callNodeFunc invokes the node function under its timeout and retry
// policy.
func (e *Executor) callNodeFunc(ctx context.Context, node *Node, snapshot State) (any, error) {
	call := func() (any, error) {
		callCtx := ctx
		if e.nodeTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
			defer cancel()
		}
		return node.Function(callCtx, snapshot)
	}
	if node.retryPolicy != nil {
		return node.retryPolicy.run(ctx, call)
	}
	return call()
}

// runSubgraph executes a subgraph node synchronously and translates its
// final state into a parent update. Child interrupts bubble up; a
// parent-scope command from the child becomes routing in this graph.
func (e *Executor) runSubgraph(ctx context.Context, inv *Invocation, emit emitFunc, es *execState, node *Node, snapshot State, step int) (any, error) {
	childExec := e.subgraphExecutors[node.ID]
	if childExec == nil {
		return nil, fmt.Errorf("no executor for subgraph node %s", node.ID)
	}
	childNS := childNamespace(inv.Namespace, node.ID, step)

	var childInput any
	resuming := false
	if e.saver != nil {
		childTuple, err := e.saver.GetTuple(ctx, CreateCheckpointConfig(inv.LineageID, "", childNS))
		if err != nil {
			return nil, fmt.Errorf("load subgraph checkpoint: %w", err)
		}
		resuming = childTuple != nil && childTuple.Checkpoint.InterruptState != nil
	}
	if resuming {
		rm := make(map[string]any, len(es.resumeMap))
		for k, v := range es.resumeMap {
			rm[k] = v
		}
		childInput = &Command{ResumeMap: rm}
	} else if node.subgraphInput != nil {
		childInput = node.subgraphInput(finalState(snapshot))
	} else {
		childInput = finalState(snapshot)
	}

	childInv := &Invocation{
		InvocationID: inv.InvocationID,
		LineageID:    inv.LineageID,
		Namespace:    childNS,
		StreamModes:  inv.StreamModes,
	}
	var childEmit emitFunc
	if emit != nil {
		childEmit = func(evt *event.Event) {
			if evt.Branch == "" {
				evt.Branch = childNS
			}
			emit(evt)
		}
	}
	res, err := childExec.run(ctx, childInput, childInv, childEmit)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusInterrupted:
		interrupt := &InterruptError{
			NodeID:    node.ID,
			Namespace: childNS,
		}
		if res.Interrupt != nil {
			interrupt.Key = res.Interrupt.Key
			interrupt.Value = res.Interrupt.Prompt
			interrupt.TaskID = res.Interrupt.TaskID
		}
		return nil, interrupt
	case StatusRecursionExceeded:
		return nil, fmt.Errorf("subgraph %s exceeded its step budget", node.ID)
	}

	var update State
	if node.subgraphOutput != nil {
		update = node.subgraphOutput(res.State)
	} else {
		// Shared-schema mode merges back only what the child changed, so
		// append channels do not re-reduce the values the child inherited.
		update = subgraphDelta(finalState(snapshot), res.State)
	}
	if res.ParentCommand != nil {
		return &Command{Update: update, GoTo: res.ParentCommand.GoTo}, nil
	}
	return update, nil
}

// subgraphDelta reduces a shared-schema child's final state to the change
// it made relative to the state it inherited. Slice channels whose
// inherited values survive as a prefix contribute only the appended tail.
func subgraphDelta(inherited, final State) State {
	delta := make(State, len(final))
	for k, v := range final {
		prev, ok := inherited[k]
		if !ok {
			delta[k] = v
			continue
		}
		if reflect.DeepEqual(prev, v) {
			continue
		}
		if tail, ok := sliceTail(prev, v); ok {
			delta[k] = tail
			continue
		}
		delta[k] = v
	}
	return delta
}

// sliceTail returns final's elements beyond prev when both are slices and
// prev is a prefix of final.
func sliceTail(prev, final any) (any, bool) {
	pv := reflect.ValueOf(prev)
	fv := reflect.ValueOf(final)
	if pv.Kind() != reflect.Slice || fv.Kind() != reflect.Slice {
		return nil, false
	}
	if pv.Type() != fv.Type() || pv.Len() > fv.Len() {
		return nil, false
	}
	for i := 0; i < pv.Len(); i++ {
		if !reflect.DeepEqual(pv.Index(i).Interface(), fv.Index(i).Interface()) {
			return nil, false
		}
	}
	return fv.Slice(pv.Len(), fv.Len()).Interface(), true
}

// childNamespace derives the deterministic checkpoint namespace of a
// subgraph node at a given step, so a resumed parent reaches the same
// child history.
func childNamespace(parentNS, nodeID string, step int) string {
	seg := fmt.Sprintf("%s:%d", nodeID, step)
	if parentNS == "" {
		return seg
	}
	return parentNS + ":" + seg
}

// mergeWrites folds task updates into the shared state at the barrier, in
// task-creation order, and returns the merged step update.
func (e *Executor) mergeWrites(es *execState, results []*taskResult) (State, error) {
	schema := e.graph.schema
	for _, r := range results {
		if r.update != nil {
			if err := schema.CheckUpdate(r.update); err != nil {
				return nil, NewGraphError(ErrorTypeStateValidation, r.task.NodeID, err)
			}
		}
		for _, cmd := range r.commands {
			if cmd.Update == nil {
				continue
			}
			if err := schema.CheckUpdate(cmd.Update); err != nil {
				return nil, NewGraphError(ErrorTypeStateValidation, r.task.NodeID, err)
			}
		}
	}
	merged := es.state
	stepUpdate := make(State)
	apply := func(update State) {
		if update == nil {
			return
		}
		merged = schema.ApplyUpdate(merged, update)
		stepUpdate = schema.ApplyUpdate(stepUpdate, update)
	}
	for _, r := range results {
		apply(r.update)
		for _, cmd := range r.commands {
			apply(cmd.Update)
		}
		if len(r.usedInterrupts) > 0 {
			used, _ := merged[StateKeyUsedInterrupts].(map[string]any)
			merged[StateKeyUsedInterrupts] = MergeReducer(used, r.usedInterrupts)
		}
	}
	es.state = merged
	return stepUpdate, nil
}

// mergeUsedInterrupts folds consumed resume values from task results into
// the execution state without applying any other writes.
func mergeUsedInterrupts(es *execState, results []*taskResult) {
	for _, r := range results {
		if len(r.usedInterrupts) == 0 {
			continue
		}
		used, _ := es.state[StateKeyUsedInterrupts].(map[string]any)
		es.state[StateKeyUsedInterrupts] = MergeReducer(used, r.usedInterrupts)
	}
}

// route computes each task's successors and writes their trigger channels.
// Command routing overrides edges; a conditional edge picks exactly one
// label; static edges fan out. Returns the step's Sends and any
// parent-scope command.
func (e *Executor) route(ctx context.Context, es *execState, results []*taskResult, step int) ([]*Send, *Command, error) {
	var sends []*Send
	var parentCmd *Command
	for _, r := range results {
		node, _ := e.graph.Node(r.task.NodeID)
		sends = append(sends, r.sends...)

		var targets []string
		routedByCommand := false
		for _, cmd := range r.commands {
			if cmd.GoTo == "" {
				continue
			}
			if cmd.Scope == ScopeParent {
				if parentCmd == nil {
					parentCmd = cmd
				}
				routedByCommand = true
				continue
			}
			if err := e.validateGoTo(node, cmd.GoTo); err != nil {
				return nil, nil, err
			}
			routedByCommand = true
			if cmd.GoTo != End {
				targets = append(targets, cmd.GoTo)
			}
		}
		if !routedByCommand {
			next, err := e.successorsOf(ctx, r.task.NodeID, es.state)
			if err != nil {
				return nil, nil, err
			}
			targets = append(targets, next...)
		}
		for _, target := range targets {
			if ch, ok := es.channels.Get(ChannelBranchPrefix + target); ok {
				ch.Update([]any{r.task.NodeID}, step)
			}
		}
	}
	return sends, parentCmd, nil
}

// validateGoTo checks a dynamic routing target against the node's declared
// destinations and edges.
func (e *Executor) validateGoTo(node *Node, target string) error {
	if target == End {
		return nil
	}
	if _, exists := e.graph.Node(target); !exists {
		return NewGraphError(ErrorTypeRouting, node.ID, fmt.Errorf("command targets unknown node %s", target))
	}
	if node == nil {
		return nil
	}
	if _, declared := node.destinations[target]; declared {
		return nil
	}
	if e.graph.hasStaticEdgeTo(node.ID, target) {
		return nil
	}
	if condEdge, ok := e.graph.ConditionalEdge(node.ID); ok {
		for _, to := range condEdge.PathMap {
			if to == target {
				return nil
			}
		}
	}
	return NewGraphError(ErrorTypeRouting, node.ID,
		fmt.Errorf("command target %s is not a declared destination of node %s", target, node.ID))
}

// successorsOf resolves a node's successors against a state with the same
// precedence route uses: the conditional edge when present, static edges
// otherwise.
func (e *Executor) successorsOf(ctx context.Context, nodeID string, state State) ([]string, error) {
	condEdge, ok := e.graph.ConditionalEdge(nodeID)
	if !ok {
		return e.graph.staticTargets(nodeID), nil
	}
	label, err := condEdge.Condition(ctx, deepCopyState(state))
	if err != nil {
		return nil, NewGraphError(ErrorTypeConditionalEdge, nodeID, err)
	}
	target, found := condEdge.PathMap[label]
	if !found {
		return nil, NewGraphError(ErrorTypeConditionalEdge, nodeID,
			fmt.Errorf("condition returned unmapped label %q", label))
	}
	if target == End {
		return nil, nil
	}
	return []string{target}, nil
}

// decrementRemainingSteps ticks the reserved recursion-budget channel.
// Numeric kinds are normalized because JSON-backed savers restore ints as
// float64.
func decrementRemainingSteps(state State) (int, bool) {
	v, ok := asInt(state[StateKeyRemainingSteps])
	if !ok {
		return 0, false
	}
	v--
	state[StateKeyRemainingSteps] = v
	return v, true
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// recordVersionsSeen marks the trigger-channel versions each planned node
// has now consumed.
func (e *Executor) recordVersionsSeen(es *execState, tasks []*Task) {
	for _, t := range tasks {
		for _, trigger := range t.Triggers {
			ch, ok := es.channels.Get(trigger)
			if !ok {
				continue
			}
			seen := es.versionsSeen[t.NodeID]
			if seen == nil {
				seen = make(map[string]int64)
				es.versionsSeen[t.NodeID] = seen
			}
			seen[trigger] = ch.Version
		}
	}
}

// checkpointableValues filters state down to the keys persisted into a
// checkpoint.
func checkpointableValues(state State) map[string]any {
	values := make(map[string]any, len(state))
	for k, v := range state {
		if isCheckpointableKey(k) {
			values[k] = deepCopyAny(v)
		}
	}
	return values
}

// finalState strips internal keys from a state snapshot.
func finalState(state State) State {
	if state == nil {
		return nil
	}
	result := make(State, len(state))
	for k, v := range state {
		if isInternalStateKey(k) {
			continue
		}
		result[k] = v
	}
	return result
}

func (e *Executor) channelVersions(es *execState) map[string]int64 {
	versions := make(map[string]int64)
	for name, ch := range es.channels.All() {
		versions[name] = ch.Version
	}
	return versions
}

// commitStep commits the superstep's checkpoint: merged values, channel
// versions, and the plan for the next step. The committed checkpoint is the
// recovery point for everything that follows.
func (e *Executor) commitStep(ctx context.Context, inv *Invocation, emit emitFunc, es *execState, results []*taskResult, nextTasks []*Task, triggered []string, sends []*Send, step int) error {
	if e.saver == nil {
		return nil
	}
	ckpt := NewCheckpoint(checkpointableValues(es.state), e.channelVersions(es), es.versionsSeen)
	ckpt.ParentID = es.parentCkptID
	for _, t := range nextTasks {
		if !t.IsSend {
			ckpt.NextNodes = append(ckpt.NextNodes, t.NodeID)
		}
	}
	ckpt.NextChannels = triggered
	for _, s := range sends {
		ckpt.PendingSends = append(ckpt.PendingSends, &Send{Node: s.Node, Input: deepCopyState(s.Input)})
	}
	for _, r := range results {
		if r.update != nil {
			ckpt.UpdatedChannels = append(ckpt.UpdatedChannels, stateKeys(r.update)...)
		}
	}

	var writes []PendingWrite
	for _, r := range results {
		for _, key := range stateKeys(r.update) {
			es.sequence++
			writes = append(writes, PendingWrite{
				TaskID:   r.task.ID,
				Channel:  key,
				Value:    deepCopyAny(r.update[key]),
				Sequence: es.sequence,
			})
		}
	}

	saveCtx := ctx
	if e.checkpointSaveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(ctx, e.checkpointSaveTimeout)
		defer cancel()
	}
	config := CreateCheckpointConfig(inv.LineageID, ckpt.ID, inv.Namespace)
	meta := NewCheckpointMetadata(CheckpointSourceLoop, step)
	savedConfig, err := e.saver.PutFull(saveCtx, PutFullRequest{
		Config:        config,
		Checkpoint:    ckpt,
		Metadata:      meta,
		NewVersions:   ckpt.ChannelVersions,
		PendingWrites: writes,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint at step %d: %w", step, err)
	}
	es.parentCkptID = ckpt.ID

	if inv.hasMode(StreamModeDebug) && emit != nil {
		next := append([]string{}, ckpt.NextNodes...)
		for _, s := range sends {
			next = append(next, s.Node)
		}
		emit(newCheckpointEvent(inv.InvocationID, step, &CheckpointPayload{
			Config: savedConfig,
			Values: finalState(es.state),
			Next:   next,
			Tasks:  taskNodeIDs(nextTasks),
		}))
	}
	return nil
}

// commitInterrupt records a dynamic interrupt as its own checkpoint so a
// later resume re-plans the interrupted step. The step's writes are gone;
// the snapshot is the state before the step ran.
func (e *Executor) commitInterrupt(ctx context.Context, inv *Invocation, es *execState, interrupt *InterruptError, tasks []*Task, step int) error {
	if e.saver == nil {
		return nil
	}
	ckpt := NewCheckpoint(checkpointableValues(es.state), e.channelVersions(es), es.versionsSeen)
	ckpt.ParentID = es.parentCkptID
	for _, t := range tasks {
		if !t.IsSend {
			ckpt.NextNodes = append(ckpt.NextNodes, t.NodeID)
		} else {
			ckpt.PendingSends = append(ckpt.PendingSends, &Send{Node: t.NodeID, Input: deepCopyState(t.Input)})
		}
	}
	interruptNS := interrupt.Namespace
	if interruptNS == "" {
		interruptNS = inv.Namespace
	}
	ckpt.InterruptState = &InterruptState{
		NodeID:    interrupt.NodeID,
		TaskID:    interrupt.TaskID,
		Namespace: interruptNS,
		Key:       interrupt.Key,
		Prompt:    interrupt.Value,
		Step:      step,
	}

	saveCtx := ctx
	if e.checkpointSaveTimeout > 0 {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(ctx, e.checkpointSaveTimeout)
		defer cancel()
	}
	_, err := e.saver.Put(saveCtx, PutRequest{
		Config:      CreateCheckpointConfig(inv.LineageID, ckpt.ID, inv.Namespace),
		Checkpoint:  ckpt,
		Metadata:    NewCheckpointMetadata(CheckpointSourceInterrupt, step),
		NewVersions: ckpt.ChannelVersions,
	})
	if err != nil {
		return fmt.Errorf("save interrupt checkpoint at step %d: %w", step, err)
	}
	es.parentCkptID = ckpt.ID
	return nil
}

// stateKeys returns the sorted external keys of a state update.
func stateKeys(s State) []string {
	if len(s) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s))
	for k := range s {
		if isInternalStateKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateState applies an external update to the latest (or addressed)
// checkpoint and appends a new checkpoint with source "update". When asNode
// is set the update routes as if that node produced it, so its successors
// become the next planned nodes.
func (e *Executor) UpdateState(ctx context.Context, config map[string]any, update State, asNode string) (map[string]any, error) {
	if e.saver == nil {
		return nil, ErrNoCheckpointSaver
	}
	if err := e.graph.schema.CheckUpdate(update); err != nil {
		return nil, NewGraphError(ErrorTypeStateValidation, asNode, err)
	}
	tuple, err := e.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}
	if asNode != "" {
		if _, exists := e.graph.Node(asNode); !exists {
			return nil, NewGraphError(ErrorTypeInvalidNode, asNode, fmt.Errorf("node does not exist"))
		}
	}

	current := State(tuple.Checkpoint.ChannelValues)
	merged := e.graph.schema.ApplyUpdate(current, update)
	ckpt := tuple.Checkpoint.Fork()
	ckpt.ChannelValues = checkpointableValues(merged)
	ckpt.InterruptState = nil
	ckpt.UpdatedChannels = stateKeys(update)
	if asNode != "" {
		next, err := e.successorsOf(ctx, asNode, merged)
		if err != nil {
			return nil, err
		}
		ckpt.NextNodes = next
		ckpt.NextChannels = nil
		for _, t := range ckpt.NextNodes {
			name := ChannelBranchPrefix + t
			ckpt.ChannelVersions[name] = ckpt.ChannelVersions[name] + 1
			ckpt.NextChannels = append(ckpt.NextChannels, name)
		}
	}
	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	return e.saver.Put(ctx, PutRequest{
		Config:      CreateCheckpointConfig(GetLineageID(config), ckpt.ID, GetNamespace(config)),
		Checkpoint:  ckpt,
		Metadata:    NewCheckpointMetadata(CheckpointSourceUpdate, step),
		NewVersions: ckpt.ChannelVersions,
	})
}
