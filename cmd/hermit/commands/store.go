package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/digest"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read and write the content store",
		Long: `Read and write the content-addressed store directly.

Blobs are named by the lowercase hex SHA-256 of their bytes.`,
	}

	cmd.AddCommand(newStorePutCommand())
	cmd.AddCommand(newStoreGetCommand())
	cmd.AddCommand(newStoreStatCommand())

	return cmd
}

func newStorePutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>...",
		Short: "Add files to the store",
		Example: `  # Add a file and print its digest
  hermit store put ./main.c

  # Add standard input
  echo hello | hermit store put -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			infos := make([]cas.Info, 0, len(args))
			for _, name := range args {
				info, err := putFile(cmd, core.Store(), name)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, infos)
			}
			for i, info := range infos {
				fmt.Fprintf(w, "%s  %s\n", info.Digest, args[i])
			}
			return nil
		},
	}
}

func putFile(cmd *cobra.Command, store cas.Store, name string) (cas.Info, error) {
	if name == "-" {
		return store.Put(cmd.Context(), cmd.InOrStdin())
	}
	f, err := os.Open(name)
	if err != nil {
		return cas.Info{}, err
	}
	defer f.Close()
	return store.Put(cmd.Context(), f)
}

func newStoreGetCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <digest>",
		Short: "Write a blob to standard output or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			rc, err := core.Store().Open(ctx, d)
			if err != nil {
				return err
			}
			defer rc.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.Copy(w, rc); err != nil {
				return fmt.Errorf("failed to read blob %s: %w", d, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of standard output")

	return cmd
}

func newStoreStatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <digest>",
		Short: "Show whether a blob is present and its size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			core, _, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer closeCore(ctx, core)

			info, err := core.Store().Stat(ctx, d)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %d bytes\n", info.Digest, info.Size)
			return nil
		},
	}
}
