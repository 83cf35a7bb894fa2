package main

import (
	"context"

	connscope "github.com/go-i2p/go-connscope"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.1.0"

type globalFlags struct {
	configPath string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "connscope",
		Short:        "PostgreSQL connection scope diagnostics",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "env files to load before reading DB_* variables")

	root.AddCommand(newPingCmd(flags))
	root.AddCommand(newProbeCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

func (f *globalFlags) load() (*connscope.ScopeConfig, error) {
	return connscope.LoadScopeConfig(f.configPath, f.envFiles...)
}

// openScope opens a scope without the startup check so callers can time and
// report it themselves.
func openScope(ctx context.Context, config *connscope.ScopeConfig) (*connscope.Scope, error) {
	return connscope.NewScope(ctx, config.WithVerifyOnOpen(false))
}
