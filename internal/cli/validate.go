package cli

import (
	"fmt"
	"io"

	"github.com/fogfactory/flow"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// RouteSummary describes where a processing type runs.
type RouteSummary struct {
	Type string `json:"type"`
	Pool string `json:"pool"`
}

// ValidationResult is the validate command output.
type ValidationResult struct {
	Valid          bool             `json:"valid"`
	Pools          []flow.PoolSpec  `json:"pools"`
	Routes         []RouteSummary   `json:"routes"`
	MaxConcurrency string           `json:"maxConcurrency"`
	Backpressure   string           `json:"backpressure"`
	Retry          flow.RetryPolicy `json:"retry"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a dispatcher configuration",
		Long: `Load the configuration given with --config, check it and print the resolved pools and routes.

Without --config the default configuration is validated.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd.OutOrStdout())
		},
	}
}

func runValidate(opts *RootOptions, w io.Writer) error {
	f := formatter{format: opts.Format, out: w}
	cfg, err := loadConfig(opts)
	if err != nil {
		return f.failure(ExitFailure, "invalid configuration", err)
	}

	result := ValidationResult{
		Valid: true,
		Pools: cfg.Pools,
		Routes: lo.FilterMap(flow.ProcessingTypes(), func(typ flow.ProcessingType, _ int) (RouteSummary, bool) {
			pool, ok := cfg.Routes[typ]
			return RouteSummary{Type: typ.String(), Pool: pool}, ok
		}),
		MaxConcurrency: cfg.MaxConcurrency.String(),
		Backpressure:   fmt.Sprintf("%s/%s", cfg.Backpressure, cfg.WaitMode),
		Retry:          cfg.Retry,
	}
	return f.success(result, func(w io.Writer) {
		fmt.Fprintln(w, "✓ Configuration valid")
		for _, p := range result.Pools {
			fmt.Fprintf(w, "pool  %-16s size=%d policy=%s queue=%d\n", p.Name, p.Size, p.Policy, p.QueueSize)
		}
		for _, r := range result.Routes {
			fmt.Fprintf(w, "route %-20s -> %s\n", r.Type, r.Pool)
		}
		fmt.Fprintf(w, "maxConcurrency=%s backpressure=%s maxRetries=%d\n",
			result.MaxConcurrency, result.Backpressure, result.Retry.MaxRetries)
	})
}

// NewDefaultsCommand creates the defaults command, printing the default configuration as YAML.
func NewDefaultsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "defaults",
		Short:         "Print the default configuration as YAML",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(flow.DefaultConfig()); err != nil {
				return WrapExitError(ExitCommandError, "failed to encode configuration", err)
			}
			return encoder.Close()
		},
	}
}
