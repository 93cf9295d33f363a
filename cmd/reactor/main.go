package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/reactor/internal/cmd/client"
	consumercmd "github.com/rzbill/reactor/internal/cmd/consumer"
	serverrun "github.com/rzbill/reactor/internal/cmd/server"
	logpkg "github.com/rzbill/reactor/pkg/log"
)

func main() {
	// initialize logger for CLI output until a command applies its own config
	level := os.Getenv("LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.SetDefaultLogger(logger)
	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "reactor",
		Short: "Adaptive message queue consumer",
		Long: `reactor consumes a message queue with a pool of workers that scales with the
backlog, retrying, dropping or forwarding failed messages to an error
destination. It ships with a single-node broker for local use.`,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(consumercmd.NewCommand())
	rootCmd.AddCommand(serverrun.NewCommand())
	rootCmd.AddCommand(clientcmd.NewQueueCommand())
	rootCmd.AddCommand(clientcmd.NewTopicCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		cancel()
		os.Exit(1)
	}
}
