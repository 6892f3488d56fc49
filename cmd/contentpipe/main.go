package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/contentpipe/internal/config"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "contentpipe",
		Short: "contentpipe - resumable multi-pass article generation",
		Long: `contentpipe turns a content brief into a finished Markdown article in
eight passes: a sectioned draft, six rewrites and a final audit. Every pass is
checkpointed, so paused or interrupted jobs resume where they stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				return config.LoadDotEnv(envFile)
			}
			return config.LoadDotEnv()
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file instead of ./.env")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(statusCmd())
	return rootCmd
}

// loadConfig reads the environment and applies the log level.
func loadConfig(opts ...config.Option) (*config.Config, error) {
	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Log.Level))
	return cfg, nil
}
