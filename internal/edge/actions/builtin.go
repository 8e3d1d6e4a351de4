package actions

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/edge-relay/internal/edge/tasks"
)

var log = slog.Default()

// TestEmitter sends a manual test trigger to the cloud.
type TestEmitter interface {
	EmitTestEvent(ctx context.Context, payload map[string]any) error
}

// HealthFunc reports edge health for the health action.
type HealthFunc func() map[string]any

// Builtins wires the built-in actions. store, emitter and health may be nil;
// actions that need a nil collaborator are not registered.
type Builtins struct {
	Store   *tasks.Store
	Emitter TestEmitter
	Health  HealthFunc
}

// Register adds the built-in actions to r.
func (b Builtins) Register(r *Registry) {
	r.Register("ping", func(ctx context.Context, args Args) (any, error) {
		return map[string]any{"pong": true}, nil
	})

	r.Register("health", func(ctx context.Context, args Args) (any, error) {
		out := map[string]any{"status": "ok"}
		if b.Health != nil {
			for k, v := range b.Health() {
				out[k] = v
			}
		}
		return out, nil
	})

	r.Register("show_toast", func(ctx context.Context, args Args) (any, error) {
		msg := args.String("message")
		log.Info("Toast", "message", msg)
		return map[string]any{"shown": true, "message": msg}, nil
	})

	if b.Emitter != nil {
		r.Register("emit_test_event", func(ctx context.Context, args Args) (any, error) {
			payload := map[string]any{"note": args.String("note")}
			if err := b.Emitter.EmitTestEvent(ctx, payload); err != nil {
				return nil, err
			}
			return map[string]any{"emitted": true}, nil
		})
	}

	if b.Store != nil {
		b.registerTasks(r)
	}
}

func (b Builtins) registerTasks(r *Registry) {
	s := b.Store

	r.Register("list_tasks", func(ctx context.Context, args Args) (any, error) {
		list, err := s.List(args.String("io_id"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"tasks": tasks.Project(list), "count": len(list)}, nil
	})

	r.Register("get_task", func(ctx context.Context, args Args) (any, error) {
		v, err := args.Require("task_id")
		if err != nil {
			return nil, err
		}
		t, err := s.Get(v[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"task": tasks.ProjectOne(t)}, nil
	})

	r.Register("create_task", func(ctx context.Context, args Args) (any, error) {
		v, err := args.Require("io_id", "task_description")
		if err != nil {
			return nil, err
		}
		t, err := s.Create(v[0], v[1])
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "task_id": t.TaskID, "task": tasks.ProjectOne(t)}, nil
	})

	edit := func(ctx context.Context, args Args) (any, error) {
		v, err := args.Require("task_id", "new_description")
		if err != nil {
			return nil, err
		}
		t, err := s.Edit(v[0], v[1])
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "task": tasks.ProjectOne(t)}, nil
	}
	r.Register("edit_task", edit)
	r.Register("update_task", edit)

	r.Register("stop_task", func(ctx context.Context, args Args) (any, error) {
		v, err := args.Require("task_id")
		if err != nil {
			return nil, err
		}
		t, err := s.Stop(v[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "task": tasks.ProjectOne(t)}, nil
	})

	r.Register("delete_task", func(ctx context.Context, args Args) (any, error) {
		v, err := args.Require("task_id")
		if err != nil {
			return nil, err
		}
		if err := s.Delete(v[0]); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success", "task_id": v[0]}, nil
	})
}
