package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"harness/internal/duplex"
)

var (
	token     string
	sessionID string
	agentID   string
)

var Cmd = &cobra.Command{
	Use:   "chat <ws-url>",
	Short: "Chat with a gateway over a websocket",
	Long: `Chat with a gateway over a websocket.

Each input line is sent as a message. When a tool asks a question the next
line answers it. /cancel cancels the running execution and /quit exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, err := duplex.Dial(ctx, args[0], token, nil)
		if err != nil {
			return err
		}
		defer conn.Close()

		return chat(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	Cmd.Flags().StringVarP(&token, "token", "t", os.Getenv("HARNESS_TOKEN"), "gateway bearer token")
	Cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id for conversation continuity")
	Cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent profile to talk to")
}

type received struct {
	env duplex.Envelope
	err error
}

func chat(ctx context.Context, conn *duplex.Conn, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	envs := make(chan received)
	go func() {
		defer close(envs)
		for env, err := range conn.Listen(ctx) {
			select {
			case envs <- received{env, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var prompt string
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			var env duplex.Envelope
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case line == "/cancel":
				env = duplex.Envelope{Type: duplex.TypeCancel}
			case prompt != "":
				env = duplex.Envelope{Type: duplex.TypeStdin, ID: prompt, Content: line}
				prompt = ""
			default:
				env = duplex.Envelope{Type: duplex.TypeMessage, Content: line, SessionID: sessionID, AgentID: agentID}
			}
			if err := conn.Send(ctx, env); err != nil {
				return err
			}

		case r, ok := <-envs:
			if !ok {
				return nil
			}
			if r.err != nil {
				if errors.Is(r.err, duplex.ErrClosed) {
					return nil
				}
				return r.err
			}
			if r.env.Type == duplex.TypePrompt {
				prompt = r.env.ID
			}
			render(out, r.env)
		}
	}
}

func render(w io.Writer, env duplex.Envelope) {
	switch env.Type {
	case duplex.TypeText:
		fmt.Fprint(w, env.Content)
	case duplex.TypeThinking:
	case duplex.TypeToolCall:
		switch env.Status {
		case duplex.ToolStarted:
			fmt.Fprintf(w, "\n[tool] %s\n", env.Name)
		case duplex.ToolFailed:
			fmt.Fprintf(w, "[tool] failed: %s\n", env.Message)
		}
	case duplex.TypeStdout, duplex.TypeStderr:
		fmt.Fprintf(w, "[%s] %s\n", env.Type, env.Content)
	case duplex.TypePrompt:
		fmt.Fprintf(w, "\n? %s\n> ", env.Content)
	case duplex.TypeArtifact:
		fmt.Fprintf(w, "[artifact] %s\n", env.Name)
	case duplex.TypeError:
		fmt.Fprintf(w, "\n[error] %s: %s\n", env.Code, env.Message)
	case duplex.TypeDone:
		fmt.Fprintln(w)
	}
}
