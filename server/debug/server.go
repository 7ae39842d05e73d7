//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

// Package debug provides an HTTP server for inspecting and driving graph
// executions: invoke, stream over SSE, state history, time travel, and
// resume after interrupts.
package debug

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-graph-go/graph"
	"trpc.group/trpc-go/trpc-graph-go/log"
)

// Server exposes registered graph executors over REST and SSE.
type Server struct {
	mu        sync.RWMutex
	executors map[string]*graph.Executor
	router    *mux.Router
}

// Option configures the Server.
type Option func(*Server)

// New creates a debug server over the named executors.
func New(executors map[string]*graph.Executor, opts ...Option) *Server {
	s := &Server{
		executors: make(map[string]*graph.Executor, len(executors)),
		router:    mux.NewRouter(),
	}
	for name, exec := range executors {
		s.executors[name] = exec
	}
	for _, opt := range opts {
		opt(s)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

// Register adds or replaces an executor under a name.
func (s *Server) Register(name string, exec *graph.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[name] = exec
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/graphs", s.handleListGraphs).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}", s.handleDescribeGraph).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}/invoke", s.handleInvoke).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/stream", s.handleStream).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/lineages/{lineage}/state",
		s.handleGetState).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}/lineages/{lineage}/state",
		s.handleUpdateState).Methods(http.MethodPost)
	s.router.HandleFunc("/graphs/{graph}/lineages/{lineage}/history",
		s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/graphs/{graph}/lineages/{lineage}/fork",
		s.handleFork).Methods(http.MethodPost)

	preflight := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	s.router.PathPrefix("/graphs").HandlerFunc(preflight).Methods(http.MethodOptions)
}

func (s *Server) executor(name string) (*graph.Executor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executors[name]
	return exec, ok
}

type runRequest struct {
	Input        map[string]any `json:"input,omitempty"`
	LineageID    string         `json:"lineage_id,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	StreamModes  []string       `json:"stream_modes,omitempty"`
}

type resumeRequest struct {
	LineageID    string         `json:"lineage_id"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Resume       any            `json:"resume,omitempty"`
	ResumeMap    map[string]any `json:"resume_map,omitempty"`
	GoTo         string         `json:"goto,omitempty"`
	Update       map[string]any `json:"update,omitempty"`
}

type updateStateRequest struct {
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Namespace    string         `json:"namespace,omitempty"`
	Values       map[string]any `json:"values"`
	AsNode       string         `json:"as_node,omitempty"`
}

type invokeResponse struct {
	Status    string         `json:"status"`
	State     map[string]any `json:"state,omitempty"`
	Interrupt any            `json:"interrupt,omitempty"`
	Steps     int            `json:"steps"`
	LineageID string         `json:"lineage_id"`
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.executors))
	for name := range s.executors {
		names = append(names, name)
	}
	s.mu.RUnlock()
	s.writeJSON(w, names)
}

func (s *Server) handleDescribeGraph(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executor(mux.Vars(r)["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	g := exec.Graph()
	nodes := make([]map[string]any, 0)
	for id, node := range g.Nodes() {
		nodes = append(nodes, map[string]any{
			"id":          id,
			"name":        node.Name,
			"description": node.Description,
			"subgraph":    node.Subgraph() != nil,
		})
	}
	s.writeJSON(w, map[string]any{
		"entry_point": g.EntryPoint(),
		"nodes":       nodes,
		"dot":         g.DOT(),
		"mermaid":     g.Mermaid(),
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executor(mux.Vars(r)["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	opts := invokeOptions(req)
	result, err := exec.Invoke(r.Context(), graph.State(req.Input), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, invokeResponse{
		Status:    string(result.Status),
		State:     result.State,
		Interrupt: result.Interrupt,
		Steps:     result.Steps,
		LineageID: req.LineageID,
	})
}

func invokeOptions(req runRequest) []graph.InvokeOption {
	var opts []graph.InvokeOption
	if req.LineageID != "" {
		opts = append(opts, graph.WithLineageID(req.LineageID))
	}
	if req.CheckpointID != "" {
		opts = append(opts, graph.WithCheckpointID(req.CheckpointID))
	}
	if req.Namespace != "" {
		opts = append(opts, graph.WithNamespace(req.Namespace))
	}
	if len(req.StreamModes) > 0 {
		modes := make([]graph.StreamMode, 0, len(req.StreamModes))
		for _, m := range req.StreamModes {
			modes = append(modes, graph.StreamMode(m))
		}
		opts = append(opts, graph.WithStreamModes(modes...))
	}
	return opts
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executor(mux.Vars(r)["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	opts := invokeOptions(req)
	if len(req.StreamModes) == 0 {
		opts = append(opts, graph.WithStreamModes(
			graph.StreamModeValues, graph.StreamModeUpdates, graph.StreamModeDebug))
	}
	events, err := exec.Execute(r.Context(), graph.State(req.Input), opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for evt := range events {
		data, err := json.Marshal(evt)
		if err != nil {
			log.Errorf("marshal SSE event: %v", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.executor(mux.Vars(r)["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if req.LineageID == "" {
		http.Error(w, "lineage_id is required", http.StatusBadRequest)
		return
	}

	cmd := &graph.Command{
		Resume:    req.Resume,
		ResumeMap: req.ResumeMap,
		GoTo:      req.GoTo,
	}
	if req.Update != nil {
		cmd.Update = graph.State(req.Update)
	}
	var opts []graph.InvokeOption
	opts = append(opts, graph.WithLineageID(req.LineageID))
	if req.CheckpointID != "" {
		opts = append(opts, graph.WithCheckpointID(req.CheckpointID))
	}
	if req.Namespace != "" {
		opts = append(opts, graph.WithNamespace(req.Namespace))
	}
	result, err := exec.Invoke(r.Context(), cmd, opts...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, invokeResponse{
		Status:    string(result.Status),
		State:     result.State,
		Interrupt: result.Interrupt,
		Steps:     result.Steps,
		LineageID: req.LineageID,
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exec, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	manager := exec.CheckpointManager()
	if manager == nil {
		http.Error(w, graph.ErrNoCheckpointSaver.Error(), http.StatusConflict)
		return
	}
	query := r.URL.Query()
	tuple, err := manager.Get(r.Context(), graph.CreateCheckpointConfig(
		vars["lineage"], query.Get("checkpoint_id"), query.Get("namespace")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tuple == nil {
		http.Error(w, "checkpoint not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, tuple)
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exec, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	config := graph.CreateCheckpointConfig(vars["lineage"], req.CheckpointID, req.Namespace)
	newConfig, err := exec.UpdateState(r.Context(), config, graph.State(req.Values), req.AsNode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, newConfig)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exec, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	manager := exec.CheckpointManager()
	if manager == nil {
		http.Error(w, graph.ErrNoCheckpointSaver.Error(), http.StatusConflict)
		return
	}
	tuples, err := manager.History(r.Context(), vars["lineage"], r.URL.Query().Get("namespace"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, tuples)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exec, ok := s.executor(vars["graph"])
	if !ok {
		http.Error(w, "graph not found", http.StatusNotFound)
		return
	}
	manager := exec.CheckpointManager()
	if manager == nil {
		http.Error(w, graph.ErrNoCheckpointSaver.Error(), http.StatusConflict)
		return
	}
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	config := graph.CreateCheckpointConfig(vars["lineage"], req.CheckpointID, req.Namespace)
	newConfig, err := manager.Fork(r.Context(), config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, newConfig)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("encode response: %v", err)
	}
}
