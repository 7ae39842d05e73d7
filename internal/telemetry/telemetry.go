//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds shared constants for the tracing and metrics
// bootstrap used across trpc-graph-go.
package telemetry

// Telemetry service constants.
const (
	ServiceName      = "telemetry"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-graph"
	InstrumentName   = "trpc.graph.go"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Span attribute keys used by the graph executor.
const (
	KeyInvocationID = "trpc.go.graph.invocation_id"
	KeyLineageID    = "trpc.go.graph.lineage_id"
	KeyNodeID       = "trpc.go.graph.node_id"
	KeyStep         = "trpc.go.graph.step"
	KeyTaskID       = "trpc.go.graph.task_id"
	KeyError        = "trpc.go.graph.error"
)
