package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/chatwoot/crmsync/internal/update"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// releaseChecker is replaced in tests.
var releaseChecker = update.Checker{}

type versionInfo struct {
	Version string         `json:"version"`
	Commit  string         `json:"commit"`
	Go      string         `json:"go"`
	Update  *update.Result `json:"update,omitempty"`
}

func newVersionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Print version information",
		Args:    cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			info := versionInfo{Version: version, Commit: commit, Go: runtime.Version()}
			if check {
				res, err := releaseChecker.Check(cmd.Context(), version)
				if err != nil {
					return fmt.Errorf("update check: %w", err)
				}
				info.Update = res
			}
			if isJSON(cmd) {
				return printJSON(cmd, info)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "crmsync version %s (%s, %s)\n", info.Version, info.Commit, info.Go)
			if u := info.Update; u != nil {
				if u.UpdateAvailable {
					_, _ = fmt.Fprintf(out, "Update available: %s -> %s\n", u.CurrentVersion, u.LatestVersion)
					if u.UpdateURL != "" {
						_, _ = fmt.Fprintf(out, "Download: %s\n", u.UpdateURL)
					}
				} else {
					_, _ = fmt.Fprintln(out, "Up to date.")
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&check, "check", false, "Check for a newer release")
	return cmd
}
