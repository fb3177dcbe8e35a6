// ============================================================================
// taskd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command tree for running a worker, submitting tasks
// ad hoc, and inspecting coordinator status.
//
// Command Structure:
//   taskd                       # Root command
//   ├── run                     # Start a worker against the coordinator
//   │   └── --config, -c        # Config file path
//   ├── submit                  # Submit one task
//   │   ├── --task              # Registered class name
//   │   ├── --data              # JSON construction arguments
//   │   └── --id                # Task id (random uuid if omitted)
//   └── status                  # Active-task set size + a sample of hashes
//
// Signal Handling:
//   run captures SIGINT/SIGTERM and cancels a root context, which the
//   engine's supervisor loop (§4.7) treats as a user interrupt: it
//   requeues non-local RUNNING tasks and deletes local ones before exiting.
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskhaven/taskd/internal/config"
	"github.com/taskhaven/taskd/internal/coordinator"
	"github.com/taskhaven/taskd/internal/engine"
	"github.com/taskhaven/taskd/internal/metrics"
	"github.com/taskhaven/taskd/internal/tasks"
	"github.com/taskhaven/taskd/pkg/task"
)

var log = slog.Default()

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:     "taskd",
		Short:   "taskd: a distributed task-worker daemon",
		Long:    "taskd claims task ids from a shared coordinator, runs them concurrently, and mirrors their lifecycle back.",
		Version: "1.0.0",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand(&configFile))
	rootCmd.AddCommand(buildSubmitCommand(&configFile))
	rootCmd.AddCommand(buildStatusCommand(&configFile))

	return rootCmd
}

func buildRunCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a taskd worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(*configFile)
		},
	}
}

func runWorker(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	coord, err := newCoordinator(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer coord.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(nil)
		go func() {
			log.Info("taskd: starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("taskd: metrics server stopped", "error", err)
			}
		}()
	}

	eng := engine.New(engine.Config{
		Coordinator:        coord,
		TaskSet:            cfg.Engine.TaskSet,
		TaskPrefix:         cfg.Engine.TaskPrefix,
		NewQueue:           cfg.Engine.NewQueue,
		EndQueue:           cfg.Engine.EndQueue,
		UpdateTaskInterval: cfg.Engine.UpdateTaskInterval,
		Metrics:            metricsOrNil(collector),
	})

	classes := map[string]task.Class{
		tasks.EchoClass{}.Name():  tasks.EchoClass{},
		tasks.FailClass{}.Name():  tasks.FailClass{},
		tasks.PanicClass{}.Name(): tasks.PanicClass{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("taskd: received shutdown signal, stopping gracefully")
		cancel()
	}()

	log.Info("taskd: worker starting", "coordinator", cfg.Coordinator.Addrs)
	if err := eng.Run(ctx, classes); err != nil && err != context.Canceled {
		return fmt.Errorf("engine exited: %w", err)
	}
	log.Info("taskd: worker stopped")
	return nil
}

// metricsOrNil avoids handing engine.Config a typed-nil interface, which
// would compare != nil despite being unusable.
func metricsOrNil(c *metrics.Collector) engine.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func buildSubmitCommand(configFile *string) *cobra.Command {
	var taskName, dataJSON, id string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to the coordinator's new-queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitTask(*configFile, taskName, dataJSON, id)
		},
	}
	cmd.Flags().StringVar(&taskName, "task", "", "registered task class name")
	cmd.Flags().StringVar(&dataJSON, "data", "{}", "JSON construction arguments")
	cmd.Flags().StringVar(&id, "id", "", "task id (random uuid if omitted)")
	cmd.MarkFlagRequired("task")

	return cmd
}

func submitTask(configFile, taskName, dataJSON, id string) error {
	var probe map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &probe); err != nil {
		return fmt.Errorf("--data is not valid JSON: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	coord, err := newCoordinator(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer coord.Close()

	ctx := context.Background()
	hashKey := fmt.Sprintf("%s-%s", cfg.Engine.TaskPrefix, id)
	if err := coord.HSet(ctx, hashKey, map[string]string{
		"task":  taskName,
		"data":  dataJSON,
		"state": "WAIT",
	}); err != nil {
		return fmt.Errorf("failed to write task record: %w", err)
	}
	if err := coord.LPush(ctx, cfg.Engine.NewQueue, id); err != nil {
		return fmt.Errorf("failed to push to new-queue: %w", err)
	}

	fmt.Printf("submitted task %q (%s) as %s\n", taskName, id, hashKey)
	return nil
}

func buildStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the coordinator's active-task set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(*configFile)
		},
	}
}

func showStatus(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	coord, err := newCoordinator(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer coord.Close()

	ctx := context.Background()
	count, err := coord.SCard(ctx, cfg.Engine.TaskSet)
	if err != nil {
		return fmt.Errorf("failed to read active-task set: %w", err)
	}
	ids, err := coord.SMembers(ctx, cfg.Engine.TaskSet)
	if err != nil {
		return fmt.Errorf("failed to list active-task set: %w", err)
	}

	fmt.Println("\n=== taskd status ===")
	fmt.Printf("Coordinator:   %v\n", cfg.Coordinator.Addrs)
	fmt.Printf("Active tasks:  %d\n", count)

	sample := ids
	if len(sample) > 10 {
		sample = sample[:10]
	}
	for _, id := range sample {
		hashKey := fmt.Sprintf("%s-%s", cfg.Engine.TaskPrefix, id)
		hash, err := coord.HGetAll(ctx, hashKey)
		if err != nil {
			continue
		}
		fmt.Printf("  - %-36s task=%-12s state=%s\n", id, hash["task"], hash["state"])
	}
	if len(ids) > len(sample) {
		fmt.Printf("  ... and %d more\n", len(ids)-len(sample))
	}
	return nil
}

func newCoordinator(cfg *config.Config) (coordinator.Coordinator, error) {
	return coordinator.NewRedisCoordinator(coordinator.Options{
		Addrs:    cfg.Coordinator.Addrs,
		Password: cfg.Coordinator.Password,
		DB:       cfg.Coordinator.DB,
	})
}
