// Command keyflow-watch is an interactive client for a keyflow server.
//
// Values are pulled through a local flow subscription per watch, so the
// server keeps sending while the shell only prints what was requested:
//
//	keyflow-watch -url ws://localhost:8646
//	keyflow> watch tank.level 3
//	keyflow> more 5
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"keyflow/cmd/keyflow-watch/interactive"
	"keyflow/internal/source/rpcws"
)

func main() {
	url := flag.String("url", "ws://localhost:8646", "keyflow server WebSocket URL")
	source := flag.String("source", "", "remote source name (empty selects the server default)")
	logLevel := flag.String("log-level", "warn", "Log level: debug, info, warn, error")
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	client, err := rpcws.New(rpcws.Config{
		URL:          *url,
		Source:       *source,
		PingInterval: 20 * time.Second,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid client configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(dialCtx)
	dialCancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("failed to connect")
	}
	defer client.Close()

	shell, err := interactive.New(client)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create interactive shell")
	}
	// Redirect log output through readline to avoid interfering with input
	log = log.Output(zerolog.ConsoleWriter{Out: shell.Stdout(), TimeFormat: time.TimeOnly})
	go shell.Run(ctx, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal")
	case <-ctx.Done():
		// quit from the shell
	}
}
