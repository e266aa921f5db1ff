// Package cli implements the §6 CLI surface with spf13/cobra, following
// the teacher's internal/cli package shape (a root *cobra.Command built
// by NewRoot, flags bound to local vars, errors surfaced as *ExitError
// for main to translate into a process exit code).
package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// NewRoot builds the root command: positional command, --settings,
// --debug, --version.
func NewRoot(version string) *cobra.Command {
	opts := &wrapOptions{}

	cmd := &cobra.Command{
		Use:           "sandboxcli -- COMMAND [ARGS...]",
		Short:         "run a command inside the sandbox",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrap(cmd, strings.Join(args, " "), opts)
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate("sandboxcli {{.Version}}\n")

	cmd.Flags().StringVar(&opts.settingsPath, "settings", defaultSettingsPath(), "path to the sandbox configuration file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable verbose audit logging")

	cmd.AddCommand(newServeCommand())

	return cmd
}

func defaultSettingsPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sandboxkit", "settings.json")
	}
	return "settings.json"
}
