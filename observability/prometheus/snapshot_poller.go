package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/fogfactory/flow"
	prom "github.com/prometheus/client_golang/prometheus"
)

// PoolSource lists the pools to poll.
type PoolSource interface {
	Names() []string
	Lookup(name string) (*flow.WorkerPool, error)
}

// StatsSource provides dispatcher counter snapshots.
type StatsSource interface {
	Stats() flow.Stats
}

// SnapshotPoller periodically exports pool and dispatcher snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu          sync.RWMutex
	registries  []PoolSource
	dispatchers map[string]StatsSource

	poolRunning  *prom.GaugeVec
	poolWaiting  *prom.GaugeVec
	poolStopped  *prom.GaugeVec
	poolFailures *prom.GaugeVec

	dispatcherWaiting  *prom.GaugeVec
	dispatcherExecuted *prom.GaugeVec
	dispatcherFailed   *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "flow"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	p := &SnapshotPoller{
		interval:           interval,
		dispatchers:        make(map[string]StatsSource),
		poolRunning:        gauge("pool_running", "Tasks running per pool.", "pool"),
		poolWaiting:        gauge("pool_waiting", "Submitters waiting for a worker per pool.", "pool"),
		poolStopped:        gauge("pool_stopped", "Pool stopped state (1=stopped, 0=running).", "pool"),
		poolFailures:       gauge("pool_failures", "Failures recorded by a pool.", "pool"),
		dispatcherWaiting:  gauge("dispatcher_waiting", "Executions waiting for a permit.", "dispatcher"),
		dispatcherExecuted: gauge("dispatcher_executed", "Steps executed successfully.", "dispatcher"),
		dispatcherFailed:   gauge("dispatcher_failed", "Steps which failed.", "dispatcher"),
	}

	for _, c := range []**prom.GaugeVec{
		&p.poolRunning, &p.poolWaiting, &p.poolStopped, &p.poolFailures,
		&p.dispatcherWaiting, &p.dispatcherExecuted, &p.dispatcherFailed,
	} {
		registered, err := registerCollector(reg, *c)
		if err != nil {
			return nil, err
		}
		*c = registered
	}
	return p, nil
}

// AddRegistry adds the pools of a registry. Pools reprovisioned later are picked up on the next poll.
func (p *SnapshotPoller) AddRegistry(source PoolSource) {
	if p == nil || source == nil {
		return
	}
	p.mu.Lock()
	p.registries = append(p.registries, source)
	p.mu.Unlock()
}

// AddDispatcher adds or replaces a dispatcher by name.
func (p *SnapshotPoller) AddDispatcher(name string, source StatsSource) {
	if p == nil || source == nil {
		return
	}
	p.mu.Lock()
	p.dispatchers[normalizeLabel(name, "dispatcher")] = source
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, registry := range p.registries {
		for _, name := range registry.Names() {
			pool, err := registry.Lookup(name)
			if err != nil {
				continue // registry stopped meanwhile
			}
			p.poolRunning.WithLabelValues(name).Set(float64(pool.Running()))
			p.poolWaiting.WithLabelValues(name).Set(float64(pool.Waiting()))
			p.poolFailures.WithLabelValues(name).Set(float64(len(pool.Failures())))
			if pool.IsStopped() {
				p.poolStopped.WithLabelValues(name).Set(1)
			} else {
				p.poolStopped.WithLabelValues(name).Set(0)
			}
		}
	}

	for name, source := range p.dispatchers {
		stats := source.Stats()
		p.dispatcherWaiting.WithLabelValues(name).Set(float64(stats.Waiting))
		p.dispatcherExecuted.WithLabelValues(name).Set(float64(stats.Executed))
		p.dispatcherFailed.WithLabelValues(name).Set(float64(stats.Failed))
	}
}
