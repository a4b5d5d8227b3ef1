package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oceanframework/ocean"
	"github.com/oceanframework/ocean/internal/config"
	"github.com/oceanframework/ocean/internal/oceanerr"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "ocean",
		Short:         "Runtime for Port developer-portal integrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var settingsPath string
	sail := &cobra.Command{
		Use:   "sail",
		Short: "Run the integration with the configured trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(settingsPath)
			if err != nil {
				return err
			}
			app, err := ocean.New(settings)
			if err != nil {
				return err
			}
			return app.Sail(context.Background())
		},
	}
	sail.Flags().StringVarP(&settingsPath, "config", "c", "", "path to a settings YAML file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ocean %s (%s)\n", version, commit)
		},
	}

	root.AddCommand(sail, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a fatal error to the process exit status: 1 for
// configuration errors, 2 for runtime failures.
func exitCode(err error) int {
	var oe *oceanerr.Error
	if errors.As(err, &oe) && oe.Kind == oceanerr.KindConfig {
		return 1
	}
	return 2
}
