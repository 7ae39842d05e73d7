//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"]).
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyLineageID    = "lineage_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
)

// Well-known state keys.
const (
	// StateKeyMessages holds the message log channel.
	StateKeyMessages = "messages"
	// StateKeyMetadata holds free-form metadata.
	StateKeyMetadata = "metadata"
	// StateKeyRemainingSteps is the reserved recursion-budget channel. When
	// seeded in the input state it decrements once per superstep; routing
	// functions may consult it to reach a terminal node voluntarily.
	StateKeyRemainingSteps = "remaining_steps"
)

// Internal state keys (never serialized into checkpoints or final state).
const (
	StateKeyCommand        = "__command__"
	StateKeyResumeMap      = "__resume_map__"
	StateKeyNextNodes      = "__next_nodes__"
	StateKeyUsedInterrupts = "__used_interrupts__"
	StateKeyConfigurable   = "__configurable__"
	StateKeyExecContext    = "__exec_context__"
	StateKeyCurrentNodeID  = "__current_node_id__"
	StateKeyCurrentTaskID  = "__current_task_id__"
)

// Channel naming conventions.
const (
	ChannelBranchPrefix  = "branch:to:"
	ChannelTriggerPrefix = "trigger:"
)

// ResumeChannel carries the caller-supplied resume value into the state of
// re-issued tasks.
const ResumeChannel = "__resume__"

// isInternalStateKey reports whether a state key is internal wiring that is
// never surfaced in final state snapshots. StateKeyUsedInterrupts is the one
// internal key that does persist into checkpoints: resume idempotence
// depends on it surviving across runs.
func isInternalStateKey(key string) bool {
	switch key {
	case StateKeyCommand, StateKeyResumeMap, StateKeyNextNodes,
		StateKeyUsedInterrupts, StateKeyConfigurable, StateKeyExecContext,
		StateKeyCurrentNodeID, StateKeyCurrentTaskID, ResumeChannel:
		return true
	default:
		return false
	}
}

// isCheckpointableKey reports whether a state key belongs in checkpointed
// channel values.
func isCheckpointableKey(key string) bool {
	return !isInternalStateKey(key) || key == StateKeyUsedInterrupts
}
