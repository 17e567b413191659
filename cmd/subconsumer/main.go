// cmd/subconsumer/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/querywatch/subscription-consumer/internal/app"
	"github.com/querywatch/subscription-consumer/internal/config"
	"github.com/querywatch/subscription-consumer/pkg/logger"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "subconsumer",
		Short: "Query-subscription results consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, err := logger.New(logger.Config{
				Level:   cfg.Logging.Level,
				DevMode: cfg.Logging.DevMode,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			if cfg.Logging.DevMode {
				cfg.Print()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Доменный handler инжектится здесь; nil → логирующая заглушка.
			if err := app.Run(ctx, cfg, nil, log); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}

	root.Flags().StringVar(&cfgFile, "config", "", "path to config file (optional; env vars apply on top)")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
