// Command traced runs the service broker (§4.6) as a standalone
// daemon, accepting producer connections on one unix socket and
// consumer connections on another.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tracedaemon/traced/internal/broker"
	"github.com/tracedaemon/traced/internal/sockets"
)

const (
	defaultProducerSocket = "/dev/socket/traced-producer"
	defaultConsumerSocket = "/dev/socket/traced-consumer"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var producerSocket, consumerSocket string
	var lockdown bool

	cmd := &cobra.Command{
		Use:   "traced",
		Short: "tracing service broker daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := broker.LockdownClear
			if lockdown {
				mode = broker.LockdownSet
			}
			return run(cmd.Context(), producerSocket, consumerSocket, mode)
		},
	}
	cmd.Flags().StringVar(&producerSocket, "producer-socket", defaultProducerSocket, "producer-facing unix socket path")
	cmd.Flags().StringVar(&consumerSocket, "consumer-socket", defaultConsumerSocket, "consumer-facing unix socket path")
	cmd.Flags().BoolVar(&lockdown, "lockdown", false, "reject producer connections from a different uid")
	return cmd
}

func run(ctx context.Context, producerSocket, consumerSocket string, lockdown broker.LockdownMode) error {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Str("daemon", "traced").Logger()

	producerLn, err := sockets.ListenUnix(producerSocket)
	if err != nil {
		return fmt.Errorf("traced: listen producer socket: %w", err)
	}
	defer producerLn.Close()

	consumerLn, err := sockets.ListenUnix(consumerSocket)
	if err != nil {
		return fmt.Errorf("traced: listen consumer socket: %w", err)
	}
	defer consumerLn.Close()

	b := broker.New(uint32(os.Geteuid()), lockdown, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case <-sigTerm:
			cancel()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		serveProducers(ctx, log, producerLn, b)
	}()
	go func() {
		defer wg.Done()
		serveConsumers(ctx, log, consumerLn, b)
	}()

	<-ctx.Done()
	_ = producerLn.Close()
	_ = consumerLn.Close()
	wg.Wait()
	return nil
}

func serveProducers(ctx context.Context, log zerolog.Logger, ln net.Listener, b *broker.Broker) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("traced: producer accept failed")
			return
		}
		go handleProducer(log, conn, b)
	}
}

func handleProducer(log zerolog.Logger, conn net.Conn, b *broker.Broker) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		log.Warn().Msg("traced: producer connection is not a unix socket")
		return
	}
	creds, err := broker.PeerCredentialsOf(uc)
	if err != nil {
		log.Warn().Err(err).Msg("traced: read producer peer credentials")
		return
	}

	endpoint, ok := b.ConnectProducer(creds.UID)
	if !ok {
		log.Debug().Uint32("uid", creds.UID).Msg("traced: producer rejected by lockdown")
		return
	}
	defer b.DisconnectProducer(endpoint.ProducerID)

	log.Info().Uint16("producer_id", uint16(endpoint.ProducerID)).Msg("traced: producer connected")
	waitForClose(conn)
	log.Info().Uint16("producer_id", uint16(endpoint.ProducerID)).Msg("traced: producer disconnected")
}

func serveConsumers(ctx context.Context, log zerolog.Logger, ln net.Listener, b *broker.Broker) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("traced: consumer accept failed")
			return
		}
		go handleConsumer(log, conn, b)
	}
}

func handleConsumer(log zerolog.Logger, conn net.Conn, b *broker.Broker) {
	defer conn.Close()

	endpoint := b.ConnectConsumer(broker.LockdownClear)
	defer b.DisconnectConsumer(endpoint.ConsumerID)

	log.Info().Uint32("consumer_id", uint32(endpoint.ConsumerID)).Str("fingerprint", endpoint.Fingerprint.String()).Msg("traced: consumer connected")
	waitForClose(conn)
	log.Info().Uint32("consumer_id", uint32(endpoint.ConsumerID)).Msg("traced: consumer disconnected")
}

// waitForClose blocks until conn's peer closes the connection or a
// read otherwise fails. The broker's method-invocation framing is out
// of scope for this entry point wiring; this loop exists only to learn
// when to call the matching Disconnect*.
func waitForClose(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
