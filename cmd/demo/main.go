package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/edge-relay/internal/commandqueue"
	"github.com/ChuLiYu/edge-relay/internal/config"
	"github.com/ChuLiYu/edge-relay/internal/controller"
	"github.com/ChuLiYu/edge-relay/internal/edge"
	"github.com/ChuLiYu/edge-relay/internal/edge/actions"
	"github.com/ChuLiYu/edge-relay/internal/edge/tasks"
)

const demoEdge = "edge-demo"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctrlConfig := cfg.ControllerConfig()
	if ctrlConfig.SnapshotPath == "" {
		ctrlConfig.SnapshotPath = "data/relay.snapshot"
	}

	ctrl := controller.NewController(ctrlConfig)
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Relay started (mode: %s)\n", mode)

	// The edge runs in-process: the controller is its command source.
	store := tasks.NewStore()
	defer store.Close()
	registry := actions.NewRegistry()
	actions.Builtins{Store: store}.Register(registry)
	poller := edge.NewPoller(demoEdge, ctrl, registry, edge.WithMaxCommands(2))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx := context.Background()

	switch mode {
	case "start":
		if pending := ctrl.ListPending(demoEdge, 0); len(pending) > 0 {
			fmt.Printf("\n⚠️  Found %d queued commands from a previous run (restored from snapshot!)\n", len(pending))
			fmt.Printf("   Run 'go run cmd/demo/main.go recover' to drain them\n")
			break
		}

		stamp := time.Now().Unix()
		cmds := []commandqueue.EnqueueRequest{
			{Action: "ping"},
			{Action: "create_task", Args: map[string]any{"io_id": "cam-1", "task_description": "count people"}},
			{Action: "create_task", Args: map[string]any{"io_id": "cam-2", "task_description": "watch the door"}},
			{Action: "list_tasks"},
			{Action: "reboot_camera"},
		}
		for i, req := range cmds {
			req.EdgeID = demoEdge
			req.RequestID = fmt.Sprintf("demo-%d-%d", stamp, i+1)
			if _, err := ctrl.Enqueue(ctx, req); err != nil {
				log.Fatalf("Failed to enqueue: %v", err)
			}
		}
		fmt.Printf("✓ Enqueued %d commands for %s\n", len(cmds), demoEdge)

		n, err := poller.PollOnce(ctx)
		if err != nil {
			log.Printf("Poll failed: %v", err)
		}
		fmt.Printf("✓ Edge pulled and executed %d commands\n", n)
		printStatus(ctrl)

		fmt.Printf("\n💡 Press Ctrl+C now: the remaining commands are saved in the snapshot\n")
		fmt.Printf("   and delivered after 'go run cmd/demo/main.go recover'\n")

	case "recover":
		pending := ctrl.ListPending(demoEdge, 0)
		fmt.Printf("\n📊 Restored after restart: %d queued commands\n", len(pending))
		for _, p := range pending {
			fmt.Printf("  %s  %s\n", p.Command.RequestID, p.Command.Action)
		}

		for {
			n, err := poller.PollOnce(ctx)
			if err != nil {
				log.Printf("Poll failed: %v", err)
				break
			}
			if n == 0 {
				break
			}
			fmt.Printf("✓ Edge executed %d commands\n", n)
		}
		printStatus(ctrl)

	default:
		fmt.Printf("Unknown mode %q\n", mode)
		ctrl.Stop()
		os.Exit(1)
	}

	<-sigChan
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Relay stopped")
}

func printStatus(ctrl *controller.Controller) {
	status := ctrl.GetStatus()
	fmt.Printf("\n📊 Relay Status:\n")
	fmt.Printf("  Queued:     %v\n", status["pending"])
	fmt.Printf("  Unresolved: %v\n", status["unresolved"])
	fmt.Printf("  Results:    %v\n", status["results"])

	fmt.Printf("\n📋 Recent results:\n")
	for _, r := range ctrl.ListRecentResults(demoEdge, 10) {
		detail := r.Error
		if detail == "" {
			detail = fmt.Sprint(r.Result)
		}
		fmt.Printf("  %-24s %-8s %s\n", r.RequestID, r.Status, detail)
	}
}
