package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}
	row := make([]int, len(b)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(a); i++ {
		prev := row[0]
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur := min(row[j]+1, row[j-1]+1, prev+cost)
			prev = row[j]
			row[j] = cur
		}
	}
	return row[len(b)]
}

// suggest returns the candidate closest to unknown within three edits, or "".
// Leading dashes are ignored so flags compare by name.
func suggest(unknown string, candidates []string) string {
	key := strings.ToLower(strings.TrimLeft(unknown, "-"))
	if key == "" {
		return ""
	}
	best, bestDist := "", 4
	for _, c := range candidates {
		if d := editDistance(key, strings.ToLower(strings.TrimLeft(c, "-"))); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

// enhanceUnknownError adds "did you mean?" hints to unknown command and flag errors.
func enhanceUnknownError(err error, root, target *cobra.Command) string {
	msg := err.Error()

	if strings.Contains(msg, "unknown command") {
		var names []string
		for _, c := range root.Commands() {
			if c.IsAvailableCommand() {
				names = append(names, c.Name())
				names = append(names, c.Aliases...)
			}
		}
		if s := suggest(extractQuoted(msg), names); s != "" {
			return fmt.Sprintf("%s\n\nDid you mean %q?", msg, s)
		}
		return msg
	}

	if strings.Contains(msg, "unknown flag") || strings.Contains(msg, "unknown shorthand flag") {
		if target == nil {
			target = root
		}
		var names []string
		collect := func(fs *pflag.FlagSet) {
			fs.VisitAll(func(f *pflag.Flag) { names = append(names, "--"+f.Name) })
		}
		collect(target.Flags())
		collect(target.InheritedFlags())
		help := target.CommandPath() + " --help"
		if s := suggest(extractFlag(msg), names); s != "" {
			return fmt.Sprintf("%s\n\nDid you mean %q?\nRun %q to see supported flags.", msg, s, help)
		}
		return fmt.Sprintf("%s\n\nRun %q to see supported flags.", msg, help)
	}
	return msg
}

// extractQuoted returns the first double-quoted substring of s.
func extractQuoted(s string) string {
	start := strings.IndexByte(s, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '"')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// extractFlag returns the "--name" token of an unknown flag error.
func extractFlag(s string) string {
	idx := strings.Index(s, "--")
	if idx < 0 {
		return ""
	}
	rest := s[idx:]
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimRight(rest, ".,;:!?\"'")
}
