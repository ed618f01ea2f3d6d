package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/api"
	"github.com/chatwoot/crmsync/internal/debug"
	"github.com/chatwoot/crmsync/internal/dryrun"
	"github.com/chatwoot/crmsync/internal/iocontext"
	"github.com/chatwoot/crmsync/internal/outfmt"
)

// rootFlags holds global CLI flags
type rootFlags struct {
	Output      string
	JSON        bool
	Query       string
	Compact     bool
	Debug       bool
	Quiet       bool
	Profile     string
	EnvFile     string
	Timeout     time.Duration
	TimeZone    string
	UTC         bool
	MetricsAddr string
	DryRun      bool
}

// flags is reset at the start of every Execute call; code reading it outside
// a command's RunE sees the previous run's values.
var flags rootFlags

// displayLocation is the zone used for rendered timestamps.
var displayLocation = time.Local

func defaultFlags() rootFlags {
	return rootFlags{
		Output:  defaultOutput(),
		Timeout: api.DefaultTimeout,
	}
}

func defaultOutput() string {
	if value := strings.TrimSpace(os.Getenv("CRMSYNC_OUTPUT")); value != "" {
		return value
	}
	return "text"
}

// loadEnvFiles loads KEY=value files without overriding variables that are
// already set: an explicit --env-file, then ./.env, then the config dir's .env.
func loadEnvFiles(explicit string) error {
	if explicit != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("load --env-file %q: %w", explicit, err)
		}
		return nil
	}
	candidates := []string{".env"}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "crmsync", ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
	return nil
}

// Execute runs the root command
func Execute(ctx context.Context, args []string) error {
	return execute(ctx, args, iocontext.DefaultIO())
}

func execute(ctx context.Context, args []string, streams *iocontext.IO) error {
	flags = defaultFlags()
	displayLocation = time.Local

	root := &cobra.Command{
		Use:                "crmsync",
		Short:              "Keep CRM conversations and the pipeline board in sync from the terminal",
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableSuggestions: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if err := loadEnvFiles(flags.EnvFile); err != nil {
				return err
			}
			if flags.Profile != "" {
				if err := os.Setenv("CRMSYNC_PROFILE", flags.Profile); err != nil {
					return err
				}
			}

			if flags.JSON {
				if cmd.Flags().Changed("output") && flags.Output != "json" {
					return fmt.Errorf("--json conflicts with --output %s", flags.Output)
				}
				flags.Output = "json"
			}
			if flags.Query != "" && flags.Output == "text" {
				if cmd.Flags().Changed("output") {
					return fmt.Errorf("--query requires --output json or jsonl")
				}
				flags.Output = "json"
			}
			mode, err := outfmt.Parse(flags.Output)
			if err != nil {
				return err
			}
			ctx = outfmt.WithMode(ctx, mode)
			ctx = outfmt.WithCompact(ctx, flags.Compact)
			if flags.Query != "" {
				ctx = outfmt.WithQuery(ctx, flags.Query)
			}

			out := streams
			if flags.Quiet && mode == outfmt.Text {
				out = &iocontext.IO{Out: io.Discard, ErrOut: streams.ErrOut, In: streams.In}
			}
			ctx = iocontext.WithIO(ctx, out)
			cmd.SetOut(out.Out)
			cmd.SetErr(out.ErrOut)

			debug.SetupLogger(flags.Debug)
			ctx = debug.WithDebug(ctx, flags.Debug)
			ctx = dryrun.WithDryRun(ctx, flags.DryRun)

			if flags.Timeout < 0 {
				return fmt.Errorf("--timeout must be >= 0")
			}
			if flags.UTC && flags.TimeZone != "" {
				return fmt.Errorf("--utc and --time-zone cannot be used together")
			}
			if flags.UTC {
				displayLocation = time.UTC
			} else if flags.TimeZone != "" {
				loc, err := time.LoadLocation(flags.TimeZone)
				if err != nil {
					return fmt.Errorf("invalid --time-zone %q: %w", flags.TimeZone, err)
				}
				displayLocation = loc
			}

			if flags.MetricsAddr != "" {
				if err := startMetricsServer(ctx, flags.MetricsAddr, out.ErrOut); err != nil {
					return err
				}
			}

			cmd.SetContext(ctx)
			return nil
		},
	}

	root.SetContext(ctx)
	root.SetArgs(args)
	root.SetOut(streams.Out)
	root.SetErr(streams.ErrOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.Output, "output", "o", flags.Output, "Output format: text|json|jsonl (env CRMSYNC_OUTPUT)")
	pf.BoolVarP(&flags.JSON, "json", "j", false, "Shorthand for --output json")
	pf.StringVarP(&flags.Query, "query", "q", "", "jq expression to filter JSON output")
	pf.BoolVar(&flags.Compact, "compact-json", false, "Compact JSON output (no indentation)")
	pf.BoolVar(&flags.Debug, "debug", false, "Enable debug logging (env CRMSYNC_LOG_FORMAT=json for JSON logs)")
	pf.BoolVarP(&flags.Quiet, "quiet", "Q", false, "Suppress non-essential output")
	pf.StringVar(&flags.Profile, "profile", "", "Credential profile to use (env CRMSYNC_PROFILE)")
	pf.StringVar(&flags.EnvFile, "env-file", "", "Load CRMSYNC_* variables from a .env file")
	pf.DurationVar(&flags.Timeout, "timeout", flags.Timeout, "HTTP request timeout (e.g., 30s, 2m)")
	pf.StringVar(&flags.TimeZone, "time-zone", "", "Time zone for displayed timestamps (e.g., America/Los_Angeles)")
	pf.BoolVar(&flags.UTC, "utc", false, "Display timestamps in UTC")
	pf.BoolVar(&flags.DryRun, "dry-run", false, "Preview changes without sending them")
	pf.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")

	root.AddCommand(newConfigCmd())
	root.AddCommand(newBoardCmd())
	root.AddCommand(newMoveCmd())
	root.AddCommand(newConversationCmd())
	root.AddCommand(newChatCmd())
	root.AddCommand(newStageCmd())
	root.AddCommand(newVersionCmd())

	target, err := root.ExecuteC()
	if err != nil {
		if !errors.Is(err, errAlreadyHandled) {
			_, _ = fmt.Fprintln(root.ErrOrStderr(), enhanceUnknownError(err, root, target))
		}
		return err
	}
	return nil
}
