// Command heapprofd runs the allocation-profiling pipeline described in
// §4.5 as a standalone daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tracedaemon/traced/internal/heapprofd"
	"github.com/tracedaemon/traced/internal/sockets"
)

const (
	socketEnvVar    = "ANDROID_SOCKET_heapprofd"
	defaultDumpPath = "/data/local/tmp/heap_dump"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var dumpPath string

	cmd := &cobra.Command{
		Use:   "heapprofd [socket-path]",
		Short: "allocation-profiling daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var socketPath string
			if len(args) == 1 {
				socketPath = args[0]
			}
			return run(cmd.Context(), socketPath, dumpPath)
		},
	}
	cmd.Flags().StringVar(&dumpPath, "dump-path", defaultDumpPath, "heap dump output file path")
	return cmd
}

func run(ctx context.Context, socketPath, dumpPath string) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("daemon", "heapprofd").Logger()

	ln, err := sockets.Resolve(socketPath, socketEnvVar)
	if err != nil {
		return fmt.Errorf("heapprofd: resolve listening socket: %w", err)
	}

	pipeline := heapprofd.New(log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigUSR1 := make(chan os.Signal, 1)
	signal.Notify(sigUSR1, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigUSR1:
				// Per §6, SIGUSR1 triggers a dump; the event loop
				// (here, this goroutine standing in for it) turns the
				// signal into a bookkeeping dump record.
				if err := pipeline.RequestDump(dumpPath); err != nil {
					log.Warn().Err(err).Msg("heapprofd: dump request failed")
				}
			}
		}
	}()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sigTerm:
			cancel()
		}
	}()

	return pipeline.Run(ctx, ln)
}
