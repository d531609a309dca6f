package commands

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var vars map[string]string

	cmd := &cobra.Command{
		Use:   "validate [file]...",
		Short: "Validate configuration and action files",
		Long: `Validate configuration and action files without running anything.

This command checks:
  - Configuration files (YAML, JSON or CUE) against the executor schema
  - Rego policies named in the configuration compile
  - Starlark action files (.star) evaluate, and every action they declare
    passes admission policy

With no arguments the file given by --config is validated.`,
		Example: `  # Validate the configuration
  hermit validate --config hermit.yaml

  # Validate an action file against the configured policies
  hermit validate --config hermit.cue build.star`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if configPath != "" {
				fmt.Fprintf(w, "%s: ok\n", configPath)
			}

			var engine *policy.Engine
			if cfg.Policy.Enabled {
				engine, err = policy.NewEngine(ctx, log.Logger, cfg.Policy.Settings)
				if err != nil {
					return err
				}
				if len(cfg.Policy.Paths) > 0 {
					if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
						return err
					}
				}
			}

			scriptVars := make(map[string]interface{}, len(vars))
			for k, v := range vars {
				scriptVars[k] = v
			}

			var failed int
			for _, path := range args {
				if !strings.EqualFold(filepath.Ext(path), ".star") {
					if _, err := config.NewLoader().LoadFile(path); err != nil {
						fmt.Fprintf(w, "%s: %v\n", path, err)
						failed++
						continue
					}
					fmt.Fprintf(w, "%s: ok\n", path)
					continue
				}

				// Files ingested by the script go to a throwaway store.
				eval := config.NewStarlarkEvaluator(cas.NewMemoryStore(), 30*time.Second, log.Logger)
				file, err := eval.EvaluateFile(ctx, path, scriptVars)
				if err != nil {
					fmt.Fprintf(w, "%s: %v\n", path, err)
					failed++
					continue
				}
				denied := 0
				for _, a := range file.Actions {
					if err := a.Validate(); err != nil {
						fmt.Fprintf(w, "%s: action %s: %v\n", path, a.Name, err)
						denied++
						continue
					}
					if engine == nil {
						continue
					}
					d, err := engine.Admit(ctx, a, cfg.Sandbox.Backend)
					if err != nil {
						return err
					}
					for _, v := range d.Warnings {
						fmt.Fprintf(w, "%s: action %s: warning: %s\n", path, a.Name, v.Message)
					}
					if !d.Allowed {
						fmt.Fprintf(w, "%s: action %s: denied: %s\n", path, a.Name, d.Reason())
						denied++
					}
				}
				if denied > 0 {
					failed++
					continue
				}
				fmt.Fprintf(w, "%s: ok (%d actions)\n", path, len(file.Actions))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files failed validation", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&vars, "var", nil, "variables passed to action files (key=value)")

	return cmd
}
