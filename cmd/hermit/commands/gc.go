package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Remove stale materializations and cache entries",
		Long: `Garbage collect executor state.

Shared input realizations not used within materialize.gc_max_age are
removed, except the materialize.gc_retain most recent ones. When the cache
is persisted, entries from earlier generations and DepSet nodes no longer
referenced by any entry are deleted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			res, err := core.GC(ctx)
			if err != nil {
				return err
			}
			log.Debug().Interface("result", res).Msg("Garbage collection finished")

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, res)
			}
			fmt.Fprintf(w, "Realizations: %d removed, %d retained, %d staging directories cleaned\n",
				res.Roots.Removed, res.Roots.Retained, res.Roots.Staging)
			fmt.Fprintf(w, "Cache:        %d stale entries, %d DepSet nodes removed\n", res.Entries, res.Nodes)
			return nil
		},
	}
}
