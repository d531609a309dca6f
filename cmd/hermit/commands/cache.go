package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/stores"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and invalidate the action cache",
		Long: `Inspect and invalidate the action cache.

Entries are keyed by action fingerprint. Deterministic failures are
cached alongside successes. Bumping the generation invalidates every
entry at once; "hermit gc" later removes the stale rows.`,
	}

	cmd.AddCommand(newCacheShowCommand())
	cmd.AddCommand(newCacheListCommand())
	cmd.AddCommand(newCacheBumpCommand())

	return cmd
}

func newCacheShowCommand() *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show a cache entry",
		Example: `  # Show an entry
  hermit cache show 3f2a...

  # Print the captured stderr of a cached failure
  hermit cache show 3f2a... --stream stderr`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			e, err := core.Lookup(ctx, fp)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no cache entry for %s", fp)
			}

			w := cmd.OutOrStdout()
			switch stream {
			case "":
			case "stdout", "stderr":
				d := e.Stdout
				if stream == "stderr" {
					d = e.Stderr
				}
				if d.IsZero() {
					return nil
				}
				rc, err := core.Store().Open(ctx, d)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(w, rc)
				return err
			default:
				return fmt.Errorf("unknown stream %q (want stdout or stderr)", stream)
			}

			if jsonOutput {
				return printJSON(w, struct {
					*actioncache.Entry
					Files interface{} `json:"files"`
				}{e, e.OutputsOrEmpty().Flatten()})
			}
			printEntry(w, e)
			return nil
		},
	}

	cmd.Flags().StringVar(&stream, "stream", "", "print a captured stream (stdout or stderr) instead of the entry")

	return cmd
}

func printEntry(w io.Writer, e *actioncache.Entry) {
	fmt.Fprintf(w, "Fingerprint: %s\n", e.Fingerprint)
	fmt.Fprintf(w, "Generation:  %d\n", e.Generation)
	fmt.Fprintf(w, "Exit code:   %d\n", e.ExitCode)
	fmt.Fprintf(w, "Backend:     %s\n", e.Backend)
	fmt.Fprintf(w, "Duration:    %s\n", e.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Created:     %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.Failure != nil {
		fmt.Fprintf(w, "Failure:     [%s] %s\n", e.Failure.Kind, e.Failure.Message)
	}
	if e.StderrTail != "" {
		fmt.Fprintf(w, "Stderr tail:\n%s\n", e.StderrTail)
	}

	files := e.OutputsOrEmpty().Flatten()
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		target := f.Target
		if !f.Digest.IsZero() {
			target = f.Digest.Short()
		}
		rows = append(rows, []string{f.Path, string(f.Kind), target, strconv.FormatBool(f.Executable)})
	}
	fmt.Fprintln(w)
	printTable(w, []string{"path", "kind", "digest", "exec"}, rows)
}

func newCacheListCommand() *cobra.Command {
	var (
		all          bool
		failuresOnly bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted cache entries",
		Example: `  # List entries of the current generation
  hermit cache list

  # Only cached failures, across all generations
  hermit cache list --failures --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			db := core.DB()
			if db == nil {
				return fmt.Errorf("cache persistence is disabled (cache.persist: false)")
			}
			filter := stores.EntryFilter{
				Generation:   core.Cache().Generation(),
				FailuresOnly: failuresOnly,
				Limit:        limit,
			}
			if all {
				filter.Generation = stores.AllGenerations
			}
			entries, err := db.ListEntries(ctx, filter)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				outputs := ""
				if !e.Outputs.IsZero() {
					outputs = e.Outputs.Short()
				}
				rows = append(rows, []string{
					e.Fingerprint.String(),
					strconv.FormatInt(e.Generation, 10),
					strconv.Itoa(e.ExitCode),
					string(e.FailureKind),
					outputs,
					e.Backend,
					e.Duration.Round(time.Millisecond).String(),
					e.CreatedAt.Format("2006-01-02 15:04"),
				})
			}
			printTable(w, []string{"fingerprint", "gen", "exit", "failure", "outputs", "backend", "duration", "created"}, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include entries of earlier generations")
	cmd.Flags().BoolVar(&failuresOnly, "failures", false, "only cached failures")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	return cmd
}

func newCacheBumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bump",
		Short: "Invalidate every cache entry",
		Long: `Start a new cache generation. Existing entries stop matching
immediately; they are deleted by the next "hermit gc".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			gen, err := core.Cache().Bump(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"generation": gen})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache generation is now %d\n", gen)
			return nil
		},
	}
}
