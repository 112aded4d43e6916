package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fogfactory/flow"
	flowprom "github.com/fogfactory/flow/observability/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	Events      int
	Steps       []string
	Work        time.Duration
	FailEvery   int
	MetricsAddr string
}

// RunResult is the run command output.
type RunResult struct {
	Events     int        `json:"events"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Overloaded int        `json:"overloaded"`
	Elapsed    string     `json:"elapsed"`
	Stats      flow.Stats `json:"stats"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic pipeline on the configured pools",
		Long: `Build the dispatcher from the configuration and stream events through a pipeline made of one step
per --steps entry. Blocking steps sleep for --work, compute steps spin for --work.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd.Context(), rootOpts, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().IntVarP(&opts.Events, "events", "n", 100, "number of events to process")
	cmd.Flags().StringSliceVar(&opts.Steps, "steps", []string{"light-compute", "blocking", "heavy-compute"},
		"processing type of each step")
	cmd.Flags().DurationVar(&opts.Work, "work", time.Millisecond, "work done by each step")
	cmd.Flags().IntVar(&opts.FailEvery, "fail-every", 0, "make every n-th event fail (0 disables)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	return cmd
}

func runPipeline(ctx context.Context, rootOpts *RootOptions, opts *RunOptions, w, errW io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := formatter{format: rootOpts.Format, out: w}
	logger := newLogger(errW, rootOpts.Verbose)

	if opts.Events < 0 {
		return f.failure(ExitCommandError, "invalid flags", fmt.Errorf("events must not be negative, got %d", opts.Events))
	}
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return f.failure(ExitCommandError, "invalid configuration", err)
	}
	steps, err := buildSteps(opts)
	if err != nil {
		return f.failure(ExitCommandError, "invalid flags", err)
	}

	reg := prom.NewRegistry()
	exporter, err := flowprom.NewMetricsExporter("flow", reg, flowprom.ExporterOptions{})
	if err != nil {
		return f.failure(ExitCommandError, "failed to register metrics", err)
	}
	d, err := cfg.Build(
		[]flow.PoolOption{flow.WithPoolLogger(logger), flow.WithPoolMetrics(exporter)},
		flow.WithLogger(logger), flow.WithMetrics(exporter),
	)
	if err != nil {
		return f.failure(ExitCommandError, "failed to build dispatcher", err)
	}
	defer func() {
		if err := d.Stop(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("stopping dispatcher")
		}
	}()

	if opts.MetricsAddr != "" {
		poller, err := flowprom.NewSnapshotPoller("flow", reg, 100*time.Millisecond)
		if err != nil {
			return f.failure(ExitCommandError, "failed to register metrics", err)
		}
		poller.AddRegistry(d.Registry())
		poller.AddDispatcher("run", d)
		poller.Start(ctx)
		defer poller.Stop()
		stop := serveMetrics(opts.MetricsAddr, reg, logger)
		defer stop()
	}

	pipeline, err := flow.NewPipeline("run", d, steps, flow.WithPipelineLogger(logger))
	if err != nil {
		return f.failure(ExitCommandError, "failed to build pipeline", err)
	}

	result := RunResult{Events: opts.Events}
	start := time.Now()
	in := make(chan flow.Event)
	go func() {
		defer close(in)
		for i := 0; i < opts.Events; i++ {
			select {
			case in <- flow.Event{Payload: i}:
			case <-ctx.Done():
				return
			}
		}
	}()
	for res := range pipeline.Run(ctx, in) {
		switch {
		case res.Err == nil:
			result.Succeeded++
		case flow.IsOverload(res.Err):
			result.Overloaded++
			result.Failed++
		default:
			result.Failed++
		}
		if res.Err != nil {
			logger.Debug().Err(res.Err).Msg("event failed")
		}
	}
	result.Elapsed = time.Since(start).String()
	result.Stats = d.Stats()

	if err := f.success(result, func(w io.Writer) {
		fmt.Fprintf(w, "events=%d succeeded=%d failed=%d overloaded=%d elapsed=%s\n",
			result.Events, result.Succeeded, result.Failed, result.Overloaded, result.Elapsed)
		fmt.Fprintf(w, "executed=%d failed=%d overloaded=%d\n",
			result.Stats.Executed, result.Stats.Failed, result.Stats.Overloaded)
	}); err != nil {
		return err
	}
	if result.Failed > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d event(s) failed", result.Failed)}
	}
	return nil
}

var errInjected = errors.New("injected failure")

func buildSteps(opts *RunOptions) ([]flow.Step, error) {
	if len(opts.Steps) == 0 {
		return nil, errors.New("at least one step is required")
	}
	var seen atomic.Int64
	steps := make([]flow.Step, 0, len(opts.Steps))
	for i, name := range opts.Steps {
		typ, err := flow.ParseProcessingType(name)
		if err != nil {
			return nil, err
		}
		work := lo.Ternary(typ == flow.Blocking || typ == flow.BlockingReadWrite, sleep, spin)
		first := i == 0
		steps = append(steps, flow.NewStep(fmt.Sprintf("%d-%s", i, strings.ToLower(typ.String())), typ,
			func(_ context.Context, ev flow.Event) (flow.Event, error) {
				if first && opts.FailEvery > 0 && seen.Add(1)%int64(opts.FailEvery) == 0 {
					return ev, errInjected
				}
				work(opts.Work)
				return ev, nil
			}))
	}
	return steps, nil
}

func sleep(d time.Duration) { time.Sleep(d) }

func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// serveMetrics serves the registry on addr and returns a function shutting the server down.
func serveMetrics(addr string, reg *prom.Registry, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
