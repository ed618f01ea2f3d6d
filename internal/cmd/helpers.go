package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/api"
	"github.com/chatwoot/crmsync/internal/dates"
	"github.com/chatwoot/crmsync/internal/dryrun"
	"github.com/chatwoot/crmsync/internal/iocontext"
	"github.com/chatwoot/crmsync/internal/outfmt"
)

// newTabWriter creates a tabwriter for text output
func newTabWriter(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
}

func newTabWriterFromCmd(cmd *cobra.Command) *tabwriter.Writer {
	return newTabWriter(iocontext.GetIO(cmd.Context()).Out)
}

// printJSON outputs data as JSON with optional query filtering
func printJSON(cmd *cobra.Command, v any) error {
	ioStreams := iocontext.GetIO(cmd.Context())
	return outfmt.WriteJSONFiltered(ioStreams.Out, v, outfmt.GetQuery(cmd.Context()), outfmt.IsCompact(cmd.Context()))
}

func printJSONErr(cmd *cobra.Command, v any) error {
	ioStreams := iocontext.GetIO(cmd.Context())
	return outfmt.WriteJSON(ioStreams.ErrOut, v)
}

func isJSON(cmd *cobra.Command) bool {
	return outfmt.IsJSON(cmd.Context())
}

// printIfNotQuiet prints to stdout only if not in quiet mode
func printIfNotQuiet(cmd *cobra.Command, format string, args ...any) {
	if flags.Quiet {
		return
	}
	_, _ = fmt.Fprintf(iocontext.GetIO(cmd.Context()).Out, format, args...)
}

// formatTime renders t relative to now in the display zone.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return dates.FormatTimestamp(t.In(displayLocation), time.Now().In(displayLocation))
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func maskToken(token string) string {
	if len(token) < 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}

// printPreview reports a mutation skipped by --dry-run.
func printPreview(cmd *cobra.Command, p *dryrun.Preview) error {
	if isJSON(cmd) {
		return printJSON(cmd, p)
	}
	p.Write(iocontext.GetIO(cmd.Context()).Out)
	return nil
}

// errAlreadyHandled marks an error that RunE already printed to stderr.
var errAlreadyHandled = errors.New("error already handled")

type handledError struct {
	err      error
	exitCode int
}

func (e *handledError) Error() string {
	return e.err.Error()
}

func (e *handledError) Unwrap() error {
	return errAlreadyHandled
}

func (e *handledError) ExitCode() int {
	return e.exitCode
}

// RunE wraps a command function with enhanced error handling
func RunE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			if isJSON(cmd) {
				if structured := api.StructuredErrorFromError(err); structured != nil {
					_ = printJSONErr(cmd, structured)
				}
			} else {
				_, _ = fmt.Fprint(cmd.ErrOrStderr(), HandleError(err))
			}
			return &handledError{err: err, exitCode: ExitCode(err)}
		}
		return nil
	}
}
