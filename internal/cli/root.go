// Package cli implements the flowctl commands.
package cli

import (
	"fmt"

	"github.com/fogfactory/flow"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of flowctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowctl",
		Short: "flowctl - inspect and exercise flow dispatchers",
		Long:  "Validate dispatcher configurations and run synthetic pipelines on the configured worker pools.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !lo.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML configuration file (defaults apply when empty)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDefaultsCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// loadConfig loads the configuration file, or the default configuration when none is given.
func loadConfig(opts *RootOptions) (flow.Config, error) {
	if opts.Config == "" {
		return flow.DefaultConfig(), nil
	}
	return flow.LoadConfigFile(opts.Config)
}
