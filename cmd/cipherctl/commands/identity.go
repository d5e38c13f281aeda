package commands

import (
	"errors"
	"fmt"

	"github.com/kenneth/cipherchat/internal/identity"
	"github.com/spf13/cobra"
)

func identityCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local RSA identity",
	}
	cmd.AddCommand(identityInitCmd(opts), identityShowCmd(opts))
	return cmd
}

func identityInitCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an identity and store it encrypted under the passphrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.passphrase == "" {
				return errPassphraseRequired
			}
			store := opts.store()
			if store.Exists() && !force {
				return fmt.Errorf("identity already exists in %s (use --force to replace it)", opts.home)
			}
			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := store.Save(opts.passphrase, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created.\nFingerprint: %s\n", id.Fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

func identityShowCmd(opts *rootOptions) *cobra.Command {
	var showKey bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the identity fingerprint and public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := opts.loadIdentity()
			if errors.Is(err, identity.ErrNotFound) {
				return fmt.Errorf("no identity in %s (run: cipherctl identity init)", opts.home)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", id.Fingerprint)
			if showKey {
				fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", id.PublicKey)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showKey, "public-key", false, "also print the base64 public key")
	return cmd
}
