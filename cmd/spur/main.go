// Command spur validates and runs workflow definition files.
//
//	spur validate workflow.json
//	spur run workflow.json -input '{"x": 2}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spurlab/spur"
	"github.com/spurlab/spur/internal/config"
	"github.com/spurlab/spur/observer"
	"github.com/spurlab/spur/store/postgres"
	"github.com/spurlab/spur/store/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "validate":
		cmdValidate(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: spur validate <file> | spur run <file> [-input JSON]")
	os.Exit(2)
}

func cmdValidate(args []string) {
	if len(args) < 1 {
		usage()
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		log.Fatal(err)
	}
	if err := spur.ValidateDefinition(def, spur.BuiltinRegistry()); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	inputJSON := fs.String("input", "{}", "initial inputs as JSON")
	fs.Parse(args[1:])
	if len(args) < 1 {
		usage()
	}

	def, err := loadDefinition(args[0])
	if err != nil {
		log.Fatal(err)
	}

	var inputs map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &inputs); err != nil {
		log.Fatalf("parse -input: %v", err)
	}

	ctx := context.Background()
	cfg := config.Load(os.Getenv("SPUR_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Open store
	var store spur.Store
	switch cfg.Database.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 2. Optional observability
	opts := []spur.Option{spur.WithLogger(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(ctx)
		opts = append(opts, spur.WithTracer(observer.NewMeteredTracer(inst)))
	}
	opts = append(opts, spur.WithConcurrency(cfg.Concurrency.LLM, cfg.Concurrency.Integration, cfg.Concurrency.Compute))
	if cfg.Run.DeadlineSeconds > 0 {
		opts = append(opts, spur.WithRunDeadline(time.Duration(cfg.Run.DeadlineSeconds)*time.Second))
	}

	// 3. Register the workflow and execute it
	c := spur.NewController(store, opts...)
	w, _, err := c.CreateWorkflow(ctx, args[0], "", *def)
	if err != nil {
		log.Fatalf("create workflow: %v", err)
	}

	run, err := c.StartRun(ctx, w.ID, inputs, spur.RunTypeInteractive)
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	out, _ := json.MarshalIndent(run, "", "  ")
	fmt.Println(string(out))
	if run.Status != spur.RunCompleted {
		os.Exit(1)
	}
}

func loadDefinition(path string) (*spur.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def spur.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if def.SpurType == "" {
		def.SpurType = spur.SpurWorkflow
	}
	return &def, nil
}
