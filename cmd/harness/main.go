package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"harness/cmd/harness/chat"
	"harness/cmd/harness/gateway"
	"harness/cmd/harness/run"
	"harness/cmd/harness/setup"
	"harness/cmd/harness/stream"
	"harness/internal/app"
	"harness/internal/config"
	"harness/internal/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "harness",
		Short:         "Harness runs streaming agent executions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// setup must work before a valid config exists.
			if cmd.Name() == setup.Cmd.Name() {
				logger.Init("info", "text")
				return nil
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			cmd.SetContext(app.WithConfig(cmd.Context(), cfg))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")

	rootCmd.AddCommand(setup.Cmd)
	rootCmd.AddCommand(gateway.Cmd)
	rootCmd.AddCommand(run.Cmd)
	rootCmd.AddCommand(stream.Cmd)
	rootCmd.AddCommand(chat.Cmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
