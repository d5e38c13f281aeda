package commands

import (
	"context"
	"fmt"

	"github.com/kenneth/cipherchat/internal/protocol"
	"github.com/kenneth/cipherchat/internal/tracing"
	"github.com/spf13/cobra"
)

func sendCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Open a session with a peer and send a message or file",
	}
	cmd.AddCommand(sendMessageCmd(opts), sendFileCmd(opts))
	return cmd
}

// dial connects to addr as initiator using the stored identity.
func dial(ctx context.Context, opts *rootOptions, addr string) (*protocol.Session, error) {
	id, err := opts.loadIdentity()
	if err != nil {
		return nil, err
	}
	s, err := protocol.Dial(ctx, addr, id.PrivateKey, protocol.Options{
		Logger: opts.logger,
		Trace:  tracing.LogTracer(opts.logger),
	}, opts.timeout)
	if err != nil {
		return nil, err
	}
	opts.logger.WithField("peer", s.PeerFingerprint()).Debug("Session established")
	return s, nil
}

func sendMessageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "message <addr> [text...]",
		Short: "Send one signed, encrypted chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			s, err := dial(ctx, opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SendChat(ctx, string(text)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", s.PeerFingerprint())
			return nil
		},
	}
}

func sendFileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "file <addr> <path>",
		Short: "Send a file in encrypted chunks with a signed checksum",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := dial(ctx, opts, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			meta, err := s.SendFile(ctx, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%s, %d chunks, %s) to %s\n",
				meta.Filename, meta.FormattedSize(), meta.TotalChunks, meta.Checksum, s.PeerFingerprint())
			return nil
		},
	}
}
