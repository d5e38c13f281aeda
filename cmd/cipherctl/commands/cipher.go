package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kenneth/cipherchat/internal/crypto"
	"github.com/kenneth/cipherchat/internal/tracing"
	"github.com/spf13/cobra"
)

const keyEnv = "CIPHERCTL_KEY"

var (
	errPassphraseRequired = errors.New("passphrase required (-p or " + passphraseEnv + ")")
	errKeyRequired        = errors.New("symmetric key required (--key or " + keyEnv + ")")
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random 128-bit symmetric key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateSymmetricKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newCipher(opts *rootOptions, key string) (*crypto.BlockCipher, error) {
	if key == "" {
		key = os.Getenv(keyEnv)
	}
	if key == "" {
		return nil, errKeyRequired
	}
	return crypto.NewBlockCipherWithTracer(key, tracing.LogTracer(opts.logger))
}

func encryptCmd(opts *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "encrypt [text...]",
		Short: "Encrypt text (or stdin) and print base64 ciphertext",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCipher(opts, key)
			if err != nil {
				return err
			}
			plaintext, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			ciphertext, err := c.Encrypt(plaintext)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ciphertext)
			return nil
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "32 hex character symmetric key")
	return cmd
}

func decryptCmd(opts *rootOptions) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt base64 ciphertext (or stdin) and print the plaintext",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newCipher(opts, key)
			if err != nil {
				return err
			}
			input, err := readInput(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			plaintext, err := c.Decrypt(strings.TrimSpace(string(input)))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(plaintext)
			return err
		},
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "32 hex character symmetric key")
	return cmd
}
