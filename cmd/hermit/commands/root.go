package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/engine"
	"github.com/openfroyo/hermit/pkg/execerr"
)

var (
	// Global flags
	configPath string
	rootDir    string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch execerr.KindOf(err) {
	case execerr.KindInvalidEntry:
		return 2
	case execerr.KindPolicyDenied:
		return 3
	}
	return 1
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hermit",
		Short: "Hermit - hermetic build action executor",
		Long: `Hermit runs build actions hermetically. Each action sees exactly its
declared inputs, materialized from a content-addressed store, and its
results are cached by a fingerprint of everything that can influence them.

Features:
  - Content-addressed store, local or tiered over SSH
  - Incremental materialization with reflink, hardlink or copy
  - Single-flight action cache with durable SQLite persistence
  - Namespace, WASI, guest VM and container sandboxes
  - Admission and caching policy in Rego`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (YAML, JSON or CUE)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "executor root directory (overrides $"+config.EnvRoot+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newGCCommand())
	rootCmd.AddCommand(newStoreCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads the configuration named by the global flags.
func loadConfig() (*config.ExecutorConfig, error) {
	if rootDir != "" {
		if err := os.Setenv(config.EnvRoot, rootDir); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openCore loads the configuration and starts an executor core. From here
// on the global logger writes through the configured telemetry.
func openCore(ctx context.Context) (*engine.Core, *config.ExecutorConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	core, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start executor: %w", err)
	}
	log.Logger = core.Telemetry().Logger.Zerolog()
	return core, cfg, nil
}

func closeCore(ctx context.Context, core *engine.Core) {
	if err := core.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Executor shutdown reported errors")
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No items found")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}
