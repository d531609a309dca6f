package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an executor root",
		Long: `Create the executor root directory layout, the cache database and a
configuration file holding the defaults.

An ed25519 key pair is generated under <root>/keys for the guest backend
and the remote content store; install the public key on those hosts.`,
		Example: `  # Initialize the default root and write ./hermit.yaml
  hermit init

  # Initialize a custom root
  hermit init --root /var/lib/hermit --output /etc/hermit/hermit.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			log.Info().Str("root", cfg.Root).Msg("Initializing executor root")

			dirs := []string{
				cfg.Root,
				cfg.Store.Dir,
				cfg.Materialize.Dir,
				cfg.Sandbox.ScratchDir,
				filepath.Join(cfg.Root, "keys"),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(w, "Created directory: %s\n", dir)
			}

			if cfg.Cache.Persist {
				db, err := stores.Open(ctx, stores.Config{Path: cfg.Cache.DBPath})
				if err != nil {
					return fmt.Errorf("failed to initialize cache database: %w", err)
				}
				if err := db.Close(); err != nil {
					return err
				}
				fmt.Fprintf(w, "Initialized cache database: %s\n", cfg.Cache.DBPath)
			}

			if output == "" {
				output = "hermit.yaml"
			}
			if _, err := os.Stat(output); err == nil && !force {
				fmt.Fprintf(w, "Config file already exists: %s\n", output)
			} else {
				data, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Fprintf(w, "Created config file: %s\n", output)
			}

			keyPath := cfg.KeyPath()
			if _, err := os.Stat(keyPath); err == nil {
				fmt.Fprintf(w, "SSH key pair already exists: %s\n", keyPath)
				return nil
			}
			if err := writeKeyPair(keyPath); err != nil {
				return err
			}
			fmt.Fprintf(w, "Generated SSH key pair: %s\n", keyPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "config file to write (default ./hermit.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func writeKeyPair(keyPath string) error {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "hermit")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
