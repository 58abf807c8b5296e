package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"harness/internal/app"
	gw "harness/internal/gateway"
	"harness/internal/trace"
)

var (
	addr string
	noDB   bool
)

var Cmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the execution gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg := app.ConfigFromContext(ctx)
		if addr != "" {
			cfg.Gateway.Addr = addr
		}

		shutdown, err := trace.Init(ctx, cfg.Tracing)
		if err != nil {
			return fmt.Errorf("initializing tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("tracing shutdown", "error", err)
			}
		}()

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := []gw.Option{gw.WithProfiles(a.Factory)}
		if !noDB {
			if err := a.OpenStore(); err != nil {
				return err
			}
			opts = append(opts, gw.WithStore(a.Store))
		}

		srv := gw.NewServer(a.Loop, cfg.Gateway, opts...)
		slog.Info("starting gateway", "addr", cfg.Gateway.Addr, "profiles", len(a.Factory.Profiles()), "persistent", !noDB)
		return srv.ListenAndServe(ctx, cfg.Gateway.Addr)
	},
}

func init() {
	Cmd.Flags().StringVarP(&addr, "addr", "a", "", "override gateway listen address")
	Cmd.Flags().BoolVar(&noDB, "no-db", false, "keep executions in memory only")
}
