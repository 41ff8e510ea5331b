// Package spur is a workflow execution engine for AI agent pipelines.
//
// A workflow is a directed graph of typed nodes: LLM calls, declarative
// transforms, router branches, loop groups, and human-intervention
// checkpoints. The engine validates a definition into an executable DAG,
// schedules node tasks with dependency and concurrency respect, persists
// every task transition, and supports partial re-runs, pause/resume, and
// nested subworkflows.
//
// # Quick Start
//
//	store := sqlite.New("spur.db")
//	store.Init(ctx)
//
//	ctl := spur.NewController(store,
//		spur.WithProvider(myProvider),
//	)
//
//	wf, _, _ := ctl.CreateWorkflow(ctx, "pipeline", "doubles x", def)
//	run, _ := ctl.StartRun(ctx, wf.ID, inputs, spur.RunTypeInteractive)
//	status, _ := ctl.GetRunStatus(ctx, run.ID)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [NodeExecutor]: the uniform node execution contract
//   - [Registry]: node type discovery with per-type schemas
//   - [Store]: persistence for runs, tasks, pause events, and sessions
//   - [Provider]: LLM backend used by LLM and agent nodes
//   - [Tracer]: span creation for run and task observation
//
// # Included Implementations
//
// Storage: store/sqlite (embedded, pure Go), store/postgres (pgx).
// Observability: observer (OpenTelemetry tracer + OTLP exporters).
//
// See cmd/spur for a command-line entry point that validates and runs
// workflow definition files.
package spur
