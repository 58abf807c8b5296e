package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"harness/internal/agent"
	"harness/internal/api"
	"harness/internal/app"
	"harness/internal/cancel"
	"harness/internal/client"
	"harness/internal/event"
	"harness/internal/stream"
	"harness/internal/trace"
)

const maxResumes = 3

var (
	gatewayURL string
	token      string
	sessionID  string
	agentID    string
	verbose    bool
)

var Cmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one execution and print its events",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		p := &app.Printer{Out: cmd.OutOrStdout(), Info: cmd.ErrOrStderr(), Verbose: verbose}

		if gatewayURL != "" {
			return runRemote(cmd.Context(), prompt, p)
		}
		return runLocal(cmd.Context(), prompt, p)
	},
}

func init() {
	Cmd.Flags().StringVarP(&gatewayURL, "gateway", "g", "", "run on a gateway instead of in-process")
	Cmd.Flags().StringVarP(&token, "token", "t", os.Getenv("HARNESS_TOKEN"), "gateway bearer token")
	Cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id for conversation continuity")
	Cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent profile to run")
	Cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print thinking and tool arguments")
}

func runLocal(ctx context.Context, prompt string, p *app.Printer) error {
	cfg := app.ConfigFromContext(ctx)

	shutdown, err := trace.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	loop := a.Loop
	if agentID != "" {
		if loop, err = a.Factory.Build(agentID); err != nil {
			return err
		}
	}

	in := agent.Input{Prompt: prompt, SessionID: sessionID}
	if sessionID != "" {
		if err := a.OpenStore(); err != nil {
			return err
		}
		if err := a.Store.EnsureSession(ctx, sessionID, "cli"); err != nil {
			return err
		}
		if in.History, err = a.Store.LoadTurns(ctx, sessionID); err != nil {
			return err
		}
	}

	tok := cancel.New(ctx)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			tok.Cancel("interrupted")
		case <-tok.Done():
		}
	}()
	defer tok.Cancel("run finished")

	res, err := loop.Run(tok.Context(), in, p.Print)
	if err != nil {
		return err
	}
	if res.Outcome == agent.OutcomeCancelled {
		return cancel.ErrCancelled
	}

	if a.Store != nil && res.Outcome != agent.OutcomeFailed {
		if err := a.Store.SaveTurns(context.WithoutCancel(ctx), sessionID, "", res.Turns); err != nil {
			slog.Error("saving session turns", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// runRemote streams an execution from a gateway. A connection dropped
// before the terminal event is resumed from the last seen frame.
func runRemote(ctx context.Context, prompt string, p *app.Printer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(gatewayURL, token)
	s := c.ExecuteStream(api.ExecuteRequest{Message: prompt, SessionID: sessionID, AgentID: agentID})

	var ended bool
	show := func(ev event.Event) {
		if event.IsTerminal(ev) {
			ended = true
		}
		p.Print(ev)
	}

	for attempt := 0; ; attempt++ {
		err := s.Run(ctx, show)
		if ctx.Err() != nil {
			if id := s.ExecutionID(); id != "" {
				if _, cerr := c.CancelExecution(context.WithoutCancel(ctx), id); cerr != nil {
					slog.Warn("cancelling remote execution", "execution_id", id, "error", cerr)
				}
			}
			return cancel.ErrCancelled
		}
		if ended {
			return err
		}

		var se *stream.StatusError
		if errors.As(err, &se) || s.ExecutionID() == "" || attempt >= maxResumes {
			if err == nil {
				err = errors.New("stream ended before the execution finished")
			}
			return err
		}
		slog.Warn("stream dropped, resuming", "execution_id", s.ExecutionID(), "cursor", s.Cursor(), "error", err)
		s = c.Reconnect(s)
	}
}
