package benchmark

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/fogfactory/flow"
	"github.com/samber/lo"
)

// Profile generates a profile file. It will be outputted as flow_{date}_in{childRatio}_{poolsizes}.prof.
//
// - childRatio Number of childs generated at each branching.
// - poolSizes Pool sizes, one blocking pool per level. Its length is also used to define sub branch depth.
//
// use pprof to read the file (go install github.com/google/pprof@latest).
func Profile(childRatio int, poolSizes ...int) error {
	if len(poolSizes) == 0 {
		return fmt.Errorf("%w: no pool size", flow.ErrInvalidConfig)
	}
	// Profile file
	f, err := os.Create(fmt.Sprintf("flow_%s_in%d_%s.prof",
		strings.ReplaceAll(time.Now().Truncate(time.Second).Format(time.DateTime), " ", "-"),
		childRatio,
		strings.Join(lo.Map(poolSizes, func(item, _ int) string { return fmt.Sprint(item) }), "-")))
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	dumbProc := func(_ context.Context, ev flow.Event) (flow.Event, error) { time.Sleep(time.Millisecond); return ev, nil }
	fj, err := flow.NewForkJoin(func(parent flow.Event, out chan<- flow.Event) {
		for i := 0; i < childRatio; i++ {
			out <- flow.Event{Payload: parent.Payload}
		}
	}, func(parent flow.Event, _ []flow.Result) (flow.Event, error) {
		return parent, nil // discard all
	})
	if err != nil {
		return err
	}

	// Init engine: each level gets its own dispatcher so that a wrapping step never waits on its own pool.
	var dispatchers []*flow.Dispatcher
	defer func() {
		for _, d := range dispatchers {
			_ = d.Stop(ctx)
		}
	}()
	level := func(i int, steps ...flow.Step) (*flow.Pipeline, error) {
		name := fmt.Sprintf("level%d", i)
		cfg := flow.DefaultConfig()
		cfg.Pools = []flow.PoolSpec{{Name: name, Size: poolSizes[i]}}
		cfg.Routes = map[flow.ProcessingType]string{flow.Blocking: name, flow.LightComputeAsync: name}
		d, err := cfg.Build(nil)
		if err != nil {
			return nil, err
		}
		dispatchers = append(dispatchers, d)
		return flow.NewPipeline(name, d, steps)
	}
	process, err := level(len(poolSizes)-1, flow.NewStep("leaf", flow.Blocking, dumbProc))
	if err != nil {
		return err
	}
	for i := len(poolSizes) - 1; i >= 0; i-- {
		if process, err = level(i, flow.Wrap(fmt.Sprintf("wrap%d", i), flow.LightComputeAsync, process, fj)); err != nil {
			return err
		}
	}

	// linear processing equivalent
	totalCall := 0
	for i := 0; i < len(poolSizes); i++ {
		totalCall += int(math.Pow(float64(childRatio), float64(i+1)))
	}
	fmt.Println("totalCalls: ", totalCall, ", minimal seq duration:", time.Duration(totalCall)*time.Millisecond)

	// Start profiling
	err = func() error {
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()

		start := time.Now()
		if _, err := process.Process(ctx, flow.Event{Payload: 1}); err != nil {
			return err
		}
		fmt.Printf("(par: %s)\n", time.Since(start))
		return nil
	}()
	if err != nil {
		return err
	}

	start := time.Now()
	ev := flow.Event{}
	for i := 0; i < totalCall; i++ {
		ev, _ = dumbProc(ctx, ev)
	}
	fmt.Printf("(seq: %s)\n", time.Since(start))
	fmt.Printf("profile:%s\n", f.Name())

	// Call pprof on a file
	// pprof -http=:8080 $file
	// On all files
	// source <(ls | grep .prof | nl | awk '{print "pprof -http=:"$1 + 8080, $2,$3,"&"}')
	return nil
}
