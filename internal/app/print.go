package app

import (
	"fmt"
	"io"

	"harness/internal/event"
)

// Printer renders events for a terminal: text on out, everything else as
// short annotations on info.
type Printer struct {
	Out  io.Writer
	Info io.Writer
	// Verbose includes thinking and tool argument fragments.
	Verbose bool
}

func (p *Printer) Print(ev event.Event) {
	switch e := ev.(type) {
	case event.Text:
		fmt.Fprint(p.Out, e.Content)
	case event.Thinking:
		if p.Verbose {
			fmt.Fprintf(p.Info, "[thinking] %s\n", e.Thinking)
		}
	case event.ToolCallStart:
		fmt.Fprintf(p.Info, "\n[tool] %s (%s)\n", e.Name, e.ID)
	case event.ToolCallDelta:
		if p.Verbose {
			fmt.Fprint(p.Info, e.PartialInput)
		}
	case event.ToolCallEnd:
	case event.ToolResult:
		if e.Success {
			fmt.Fprintf(p.Info, "[tool] %s ok\n", e.ID)
		} else {
			fmt.Fprintf(p.Info, "[tool] %s failed: %s\n", e.ID, e.Error)
		}
	case event.Artifact:
		fmt.Fprintf(p.Info, "[artifact] %s (%s, %d bytes)\n", e.Name, e.ContentType, len(e.Content))
	case event.Progress:
		fmt.Fprintf(p.Info, "[progress] %s %.0f%%\n", e.Step, e.Percentage)
	case event.Error:
		fmt.Fprintf(p.Info, "\n[error] %s: %s\n", e.Code, e.Message)
	case event.Done:
		fmt.Fprintln(p.Out)
		if e.Truncated {
			fmt.Fprintln(p.Info, "[done] stopped at the iteration limit")
		}
		if e.Usage != nil {
			fmt.Fprintf(p.Info, "[done] %d tokens in, %d out, %dms\n", e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.DurationMs)
		}
	}
}
