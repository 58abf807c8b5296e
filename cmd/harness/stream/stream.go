package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"harness/internal/app"
	"harness/internal/event"
	"harness/internal/stream"
)

var (
	cursor  string
	body    string
	token   string
	headers []string
	raw     bool
)

var Cmd = &cobra.Command{
	Use:   "stream <url>",
	Short: "Follow an event stream and print its events",
	Long: `Follow an event stream and print its events.

Without --body the stream is opened with GET, with --body it is opened with
a POST of that JSON document. --body @file reads the document from a file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []stream.Option{}
		if cursor != "" {
			opts = append(opts, stream.WithCursor(cursor))
		}
		if token != "" {
			opts = append(opts, stream.WithHeader("Authorization", "Bearer "+token))
		}
		for _, h := range headers {
			k, v, ok := strings.Cut(h, ":")
			if !ok {
				return fmt.Errorf("header %q must be key:value", h)
			}
			opts = append(opts, stream.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v)))
		}
		if body != "" {
			doc, err := readBody(body)
			if err != nil {
				return err
			}
			opts = append(opts, stream.WithBody(doc))
		}

		out := cmd.OutOrStdout()
		show := (&app.Printer{Out: out, Info: cmd.ErrOrStderr()}).Print
		if raw {
			show = func(ev event.Event) {
				b, err := event.Encode(ev)
				if err != nil {
					return
				}
				fmt.Fprintln(out, string(b))
			}
		}

		s := stream.New(args[0], opts...)
		defer s.Close()
		if err := s.Run(ctx, show); err != nil {
			return err
		}
		if c := s.Cursor(); c != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "cursor:", c)
		}
		return nil
	},
}

func init() {
	Cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this frame id (sent as Last-Event-ID)")
	Cmd.Flags().StringVar(&body, "body", "", "JSON request body, or @file")
	Cmd.Flags().StringVarP(&token, "token", "t", os.Getenv("HARNESS_TOKEN"), "bearer token")
	Cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra request header as key:value")
	Cmd.Flags().BoolVar(&raw, "json", false, "print events as JSON lines")
}

func readBody(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if name, ok := strings.CutPrefix(arg, "@"); ok {
		b, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading body: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
