// Package navigator – delegate_tools.go registers the delegation tools the
// top-level agent uses to farm out bounded tasks: delegate, delegate_list,
// delegate_wait, and delegate_stop.
package navigator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RegisterDelegateTools adds the delegation tools to the registry. No-op
// when the manager is nil or delegation is disabled. parentSessionID ties
// spawned runs back to the session that requested them.
func RegisterDelegateTools(reg *Registry, mgr *DelegateManager, parentSessionID string, logger *slog.Logger) {
	if mgr == nil || !mgr.cfg.Enabled {
		return
	}

	reg.Register(
		MakeToolDefinition("delegate",
			"Delegate a bounded task to an autonomous background agent with its own "+
				"context and tools. Use for parallelizable work: researching one topic while "+
				"working on another, running a long investigation, handling an independent "+
				"subtask. Returns immediately with a run_id; completion is announced when done.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task": map[string]any{
						"type":        "string",
						"description": "The task for the delegate. Be specific and include all context it needs; it cannot ask follow-up questions.",
					},
					"label": map[string]any{
						"type":        "string",
						"description": "Short label identifying this delegate (e.g. 'research-api', 'write-tests').",
					},
					"model": map[string]any{
						"type":        "string",
						"description": "Model override for this delegate. Empty uses the configured delegate model.",
					},
					"timeout_minutes": map[string]any{
						"type":        "integer",
						"description": "Wall-clock budget in minutes. Default comes from configuration.",
					},
				},
				"required": []string{"task"},
			},
		),
		func(_ context.Context, args map[string]any) (any, error) {
			task, _ := args["task"].(string)
			if task == "" {
				return nil, fmt.Errorf("task is required")
			}
			label, _ := args["label"].(string)
			model, _ := args["model"].(string)
			timeoutMin := 0
			if v, ok := args["timeout_minutes"].(float64); ok {
				timeoutMin = int(v)
			}

			// Background context: the run outlives the turn that spawned it.
			run, err := mgr.Spawn(context.Background(), SpawnParams{
				Task:            task,
				Label:           label,
				Model:           model,
				ParentSessionID: parentSessionID,
				TimeoutMinutes:  timeoutMin,
			})
			if err != nil {
				return nil, err
			}

			return fmt.Sprintf(
				"Delegate spawned.\n  run_id: %s\n  label: %s\n  status: running\n\n"+
					"The result is announced when it completes. Use delegate_wait to block "+
					"for it, or delegate_list to check status.",
				run.ID, run.Label,
			), nil
		},
	)

	reg.Register(
		MakeToolDefinition("delegate_list",
			"List delegate runs and their status. Use to check progress of spawned delegates.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status_filter": map[string]any{
						"type":        "string",
						"description": "Filter by status. Default: 'all'.",
						"enum":        []string{"running", "completed", "failed", "timeout", "all"},
					},
				},
			},
		),
		func(_ context.Context, args map[string]any) (any, error) {
			filter, _ := args["status_filter"].(string)
			if filter == "" {
				filter = "all"
			}

			runs := mgr.List()
			if len(runs) == 0 {
				return "No delegate runs found.", nil
			}

			var b strings.Builder
			count := 0
			for _, run := range runs {
				if filter != "all" && string(run.Status) != filter {
					continue
				}
				duration := run.Duration
				if run.Status == DelegateRunning {
					duration = time.Since(run.StartedAt)
				}
				fmt.Fprintf(&b, "- [%s] %s (id: %s) — %s — %s",
					run.Status, run.Label, run.ID, truncate(run.Task, 60), duration.Round(time.Second))
				switch run.Status {
				case DelegateCompleted:
					fmt.Fprintf(&b, " — result: %s", truncate(run.Result, 100))
				case DelegateFailed:
					fmt.Fprintf(&b, " — error: %s", run.Error)
				}
				b.WriteString("\n")
				count++
			}
			if count == 0 {
				return fmt.Sprintf("No delegate runs with status %q.", filter), nil
			}
			return fmt.Sprintf("Delegate runs (%d):\n%s\nActive: %d / Max: %d",
				count, b.String(), mgr.ActiveCount(), mgr.cfg.MaxConcurrent), nil
		},
	)

	reg.Register(
		MakeToolDefinition("delegate_wait",
			"Block until a delegate completes and return its result.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id": map[string]any{
						"type":        "string",
						"description": "The run_id of the delegate to wait for.",
					},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Max time to wait in seconds. Default: 120.",
					},
				},
				"required": []string{"run_id"},
			},
		),
		func(_ context.Context, args map[string]any) (any, error) {
			runID, _ := args["run_id"].(string)
			if runID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			timeoutSec := 120
			if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
				timeoutSec = int(v)
			}

			waitCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
			defer cancel()

			run, err := mgr.Wait(waitCtx, runID)
			if err != nil {
				if run != nil {
					return fmt.Sprintf(
						"Wait interrupted: %v\n\nPartial state:\n  status: %s\n  label: %s\n  running_for: %s",
						err, run.Status, run.Label, time.Since(run.StartedAt).Round(time.Second),
					), nil
				}
				return nil, err
			}

			switch run.Status {
			case DelegateCompleted:
				return fmt.Sprintf("Delegate %q completed in %s.\n\n### Result:\n%s",
					run.Label, run.Duration.Round(time.Second), run.Result), nil
			case DelegateFailed:
				out := fmt.Sprintf("Delegate %q failed after %s.\n\nError: %s",
					run.Label, run.Duration.Round(time.Second), run.Error)
				if run.Result != "" {
					out += fmt.Sprintf("\n\nPartial result:\n%s", run.Result)
				}
				return out, nil
			case DelegateTimeout:
				return fmt.Sprintf("Delegate %q timed out after %s.\n\nPartial result:\n%s",
					run.Label, run.Duration.Round(time.Second), run.Result), nil
			default:
				return fmt.Sprintf("Delegate %q is still %s.", run.Label, run.Status), nil
			}
		},
	)

	reg.Register(
		MakeToolDefinition("delegate_stop",
			"Stop a running delegate by cancelling its execution.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"run_id": map[string]any{
						"type":        "string",
						"description": "The run_id of the delegate to stop.",
					},
				},
				"required": []string{"run_id"},
			},
		),
		func(_ context.Context, args map[string]any) (any, error) {
			runID, _ := args["run_id"].(string)
			if runID == "" {
				return nil, fmt.Errorf("run_id is required")
			}
			if err := mgr.Stop(runID); err != nil {
				return nil, err
			}
			return fmt.Sprintf("Delegate %s stop requested.", runID), nil
		},
	)

	logger.Info("delegate tools registered",
		"tools", []string{"delegate", "delegate_list", "delegate_wait", "delegate_stop"},
		"max_concurrent", mgr.cfg.MaxConcurrent,
	)
}
