package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/engine"
)

func newRunCommand() *cobra.Command {
	var (
		vars        map[string]string
		outDir      string
		parallel    int
		failFast    bool
		evalTimeout time.Duration
		metrics     bool
	)

	cmd := &cobra.Command{
		Use:   "run <actions.star>",
		Short: "Evaluate an action file and run its actions",
		Long: `Evaluate a Starlark action file and submit every action it declares.

Actions run concurrently. Actions with the same fingerprint run once, and
results already in the action cache are returned without running anything.

The file may use these builtins:
  file(path, src=None, content=None, executable=False)
  symlink(path, target)
  directory(path)
  depset(*entries_or_depsets)
  action(name, argv, inputs, outputs, env={}, workdir="", optional_outputs=[],
         timeout="", network=False, cache_failures=True)

Variables given with --var are visible to the file as the dict "vars".`,
		Example: `  # Run every action in a file
  hermit run build.star

  # Pass variables and export outputs under ./out/<action>
  hermit run build.star --var target=linux --out ./out

  # Stop starting new actions after the first failure
  hermit run build.star --fail-fast --parallel 4

  # Expose metrics for scraping during a long build
  hermit run build.star --metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			if metrics {
				metricsCtx, stop := context.WithCancel(ctx)
				defer stop()
				go func() {
					if err := core.Telemetry().Metrics.Serve(metricsCtx); err != nil {
						log.Warn().Err(err).Msg("Metrics endpoint stopped")
					}
				}()
			}

			scriptVars := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				scriptVars[k] = v
			}

			eval := config.NewStarlarkEvaluator(core.Store(), evalTimeout, log.Logger)
			file, err := eval.EvaluateFile(ctx, args[0], scriptVars)
			if err != nil {
				return err
			}
			if len(file.Actions) == 0 {
				log.Warn().Str("file", args[0]).Msg("Action file declares no actions")
				return nil
			}

			result := core.RunAll(ctx, file.Actions, engine.BatchOptions{
				MaxParallel: parallel,
				FailFast:    failFast,
			})

			if outDir != "" {
				for _, it := range result.Items {
					if it.Status != engine.ItemSucceeded {
						continue
					}
					dir := filepath.Join(outDir, it.Action.Name)
					if _, err := core.Export(ctx, dir, it.Outcome.Outputs); err != nil {
						return fmt.Errorf("failed to export outputs of %s: %w", it.Action.Name, err)
					}
				}
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), batchReport(result)); err != nil {
					return err
				}
			} else {
				printBatch(cmd, result)
			}
			return result.Err()
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables passed to the action file (key=value)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "export each successful action's outputs to <dir>/<action>")
	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "maximum concurrent actions (default from config)")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "skip remaining actions after the first failure")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "serve Prometheus metrics on telemetry.metrics.listen_address while running")
	cmd.Flags().DurationVar(&evalTimeout, "eval-timeout", 30*time.Second, "action file evaluation timeout")

	return cmd
}

type itemReport struct {
	Action      string `json:"action"`
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Cached      bool   `json:"cached"`
	Outputs     string `json:"outputs,omitempty"`
	Error       string `json:"error,omitempty"`
}

type runReport struct {
	RunID    string              `json:"run_id"`
	Duration string              `json:"duration"`
	Summary  engine.BatchSummary `json:"summary"`
	Items    []itemReport        `json:"items"`
}

func batchReport(r *engine.BatchResult) runReport {
	rep := runReport{
		RunID:    r.RunID,
		Duration: r.Duration.Round(time.Millisecond).String(),
		Summary:  r.Summary,
		Items:    make([]itemReport, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		ir := itemReport{Action: it.Action.Name, Status: string(it.Status)}
		if it.Outcome != nil {
			ir.Fingerprint = it.Outcome.Fingerprint.String()
			ir.ExitCode = it.Outcome.ExitCode
			ir.Cached = it.Outcome.Cached
			if !it.Outcome.Outputs.IsEmpty() {
				ir.Outputs = it.Outcome.Outputs.Hash().String()
			}
		}
		if it.Err != nil {
			ir.Error = it.Err.Error()
		}
		rep.Items = append(rep.Items, ir)
	}
	return rep
}

func printBatch(cmd *cobra.Command, r *engine.BatchResult) {
	rows := make([][]string, 0, len(r.Items))
	for _, ir := range batchReport(r).Items {
		fp := ir.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		rows = append(rows, []string{
			ir.Action, ir.Status, fp, strconv.Itoa(ir.ExitCode), strconv.FormatBool(ir.Cached), ir.Error,
		})
	}
	w := cmd.OutOrStdout()
	printTable(w, []string{"action", "status", "fingerprint", "exit", "cached", "error"}, rows)
	s := r.Summary
	fmt.Fprintf(w, "\n%d actions in %s: %d succeeded (%d cached), %d failed, %d skipped, %d canceled\n",
		s.Total, r.Duration.Round(time.Millisecond), s.Succeeded, s.Cached, s.Failed, s.Skipped, s.Canceled)
}
