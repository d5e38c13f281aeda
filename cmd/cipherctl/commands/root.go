package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kenneth/cipherchat/internal/identity"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// passphraseEnv is read when --passphrase is not given.
const passphraseEnv = "CIPHERCTL_PASSPHRASE"

type rootOptions struct {
	home       string
	passphrase string
	verbose    bool
	timeout    time.Duration
	logger     *logrus.Logger
}

// Execute runs the command tree against os.Args.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the cipherctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "cipherctl",
		Short:        "Encrypted peer chat and file transfer toolkit",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				opts.home = filepath.Join(dir, ".cipherchat")
			}
			if opts.passphrase == "" {
				opts.passphrase = os.Getenv(passphraseEnv)
			}

			opts.logger = logrus.New()
			opts.logger.SetOutput(cmd.ErrOrStderr())
			opts.logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
			if opts.verbose {
				opts.logger.SetLevel(logrus.DebugLevel)
			} else {
				opts.logger.SetLevel(logrus.WarnLevel)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.home, "home", "", "keystore dir (default ~/.cipherchat)")
	root.PersistentFlags().StringVarP(&opts.passphrase, "passphrase", "p", "", "passphrase protecting the identity (or "+passphraseEnv+")")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log protocol and cipher stages to stderr")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "connect and handshake timeout")

	root.AddCommand(
		keygenCmd(),
		encryptCmd(opts),
		decryptCmd(opts),
		identityCmd(opts),
		sendCmd(opts),
	)
	return root
}

func (o *rootOptions) store() *identity.Store {
	return identity.NewStore(o.home)
}

func (o *rootOptions) loadIdentity() (*identity.Identity, error) {
	if o.passphrase == "" {
		return nil, errPassphraseRequired
	}
	return o.store().Load(o.passphrase)
}

// readInput returns args joined by spaces, or all of in when args is empty.
func readInput(in io.Reader, args []string) ([]byte, error) {
	if len(args) > 0 {
		out := args[0]
		for _, a := range args[1:] {
			out += " " + a
		}
		return []byte(out), nil
	}
	return io.ReadAll(in)
}
