// Command traced_probes is the ftrace producer daemon described in
// §4.4/§6: it builds the translation table from the host's
// ftrace event directory and, absent --cleanup-after-crash, keeps that
// table warm and idles until SIGINT or SIGTERM. It logs the configured
// producer socket path but does not open a connection to the broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tracedaemon/traced/internal/ftrace"
)

const defaultProducerSocket = "/dev/socket/traced-producer"

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var cleanupAfterCrash bool
	var producerSocket string

	cmd := &cobra.Command{
		Use:   "traced_probes",
		Short: "ftrace producer daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cleanupAfterCrash {
				return ftrace.ResetKernelState()
			}
			return run(cmd.Context(), producerSocket)
		},
	}
	cmd.Flags().BoolVar(&cleanupAfterCrash, "cleanup-after-crash", false, "reset kernel ftrace state and exit")
	cmd.Flags().StringVar(&producerSocket, "producer-socket", defaultProducerSocket, "broker producer socket path")
	return cmd
}

func run(ctx context.Context, producerSocket string) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("daemon", "traced_probes").Logger()

	translator := ftrace.NewTranslator(ftrace.LocalProcFS{})
	if err := translator.Build(); err != nil {
		return fmt.Errorf("traced_probes: build translation table: %w", err)
	}
	log.Info().Msg("ftrace translation table built")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigTerm)

	log.Info().Str("producer_socket", producerSocket).Msg("traced_probes ready")
	select {
	case <-ctx.Done():
	case <-sigTerm:
	}
	return nil
}
