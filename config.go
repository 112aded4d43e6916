package flow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// BackpressureStrategy is the policy applied when the max concurrency is reached.
type BackpressureStrategy uint8

const (
	// Wait makes the caller wait for a permit. No event is lost.
	Wait BackpressureStrategy = iota
	// Fail returns an *OverloadError right away.
	Fail
)

func (s BackpressureStrategy) String() string {
	if s == Fail {
		return "fail"
	}
	return "wait"
}

// MarshalText implements encoding.TextMarshaler.
func (s BackpressureStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BackpressureStrategy) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "wait":
		*s = Wait
	case "fail":
		*s = Fail
	default:
		return fmt.Errorf("%w: unknown backpressure strategy %q", ErrInvalidConfig, text)
	}
	return nil
}

// WaitMode selects how the Wait strategy waits in ExecuteAsync.
type WaitMode uint8

const (
	// WaitBlocking blocks the calling goroutine on a semaphore.
	WaitBlocking WaitMode = iota
	// WaitAsync queues a continuation run once a permit is released.
	WaitAsync
)

func (m WaitMode) String() string {
	if m == WaitAsync {
		return "async"
	}
	return "blocking"
}

// MarshalText implements encoding.TextMarshaler.
func (m WaitMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *WaitMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "blocking":
		*m = WaitBlocking
	case "async":
		*m = WaitAsync
	default:
		return fmt.Errorf("%w: unknown wait mode %q", ErrInvalidConfig, text)
	}
	return nil
}

// Concurrency is a max concurrency: a positive number of permits, or Unbounded.
type Concurrency int

// Unbounded disables the max concurrency.
const Unbounded Concurrency = 0

func (c Concurrency) String() string {
	if c == Unbounded {
		return "unbounded"
	}
	return strconv.Itoa(int(c))
}

// MarshalYAML implements yaml.Marshaler.
func (c Concurrency) MarshalYAML() (any, error) {
	if c == Unbounded {
		return "unbounded", nil
	}
	return int(c), nil
}

// UnmarshalYAML accepts "unbounded" or a non zero integer. An explicit 0 is rejected rather than read as
// Unbounded.
func (c *Concurrency) UnmarshalYAML(value *yaml.Node) error {
	if strings.EqualFold(strings.TrimSpace(value.Value), "unbounded") {
		*c = Unbounded
		return nil
	}
	n, err := strconv.Atoi(value.Value)
	if err != nil {
		return fmt.Errorf("%w: maxConcurrency must be a number or \"unbounded\", got %q", ErrInvalidConfig, value.Value)
	}
	if n == 0 {
		return fmt.Errorf("%w: maxConcurrency 0, use \"unbounded\" to disable the limit", ErrInvalidConfig)
	}
	*c = Concurrency(n)
	return nil
}

// Config is the dispatcher configuration. It is consumed, not owned, by the dispatcher: build it in code or
// load it from YAML.
type Config struct {
	// Pools lists the pools a registry should be built with. It can be left empty when the registry is built
	// separately.
	Pools []PoolSpec `yaml:"pools"`
	// Routes maps each processing type to a pool name or Inline.
	Routes         map[ProcessingType]string `yaml:"routes"`
	MaxConcurrency Concurrency               `yaml:"maxConcurrency"`
	Backpressure   BackpressureStrategy      `yaml:"backpressure"`
	WaitMode       WaitMode                  `yaml:"waitMode"`
	Retry          RetryPolicy               `yaml:"retry"`
}

// DefaultRoutes routes light compute work to the cpuLight pool, blocking work to the io pool and heavy work to
// the cpuIntensive pool.
func DefaultRoutes() map[ProcessingType]string {
	return map[ProcessingType]string{
		LightCompute:      CPULightPool,
		LightComputeAsync: CPULightPool,
		Blocking:          IOPool,
		BlockingReadWrite: IOPool,
		HeavyCompute:      CPUIntensivePool,
	}
}

// DefaultConfig returns the default pools and routes, unbounded, waiting.
func DefaultConfig() Config {
	return Config{
		Pools:          DefaultPoolSpecs(),
		Routes:         DefaultRoutes(),
		MaxConcurrency: Unbounded,
		Backpressure:   Wait,
		WaitMode:       WaitBlocking,
		Retry:          DefaultRetryPolicy(),
	}
}

// Validate checks the configuration is consistent. Routes to pools missing from Pools are only rejected when
// Pools is not empty.
func (c Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: maxConcurrency must be positive or unbounded, got %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: retry.maxRetries must not be negative", ErrInvalidConfig)
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrInvalidConfig)
	}
	if dup := lo.FindDuplicatesBy(c.Pools, func(s PoolSpec) string { return s.Name }); len(dup) > 0 {
		return fmt.Errorf("%w: pool %q declared twice", ErrInvalidConfig, dup[0].Name)
	}
	if len(c.Pools) == 0 {
		return nil
	}
	names := lo.Map(c.Pools, func(s PoolSpec, _ int) string { return s.Name })
	for typ, target := range c.Routes {
		if target != Inline && !lo.Contains(names, target) {
			return fmt.Errorf("%w: route %s targets unknown pool %q", ErrInvalidConfig, typ, target)
		}
	}
	return nil
}

// clone copies the pools and routes so that the copy does not share them with c.
func (c Config) clone() Config {
	c.Pools = slices.Clone(c.Pools)
	if c.Routes != nil {
		c.Routes = lo.Assign(c.Routes)
	}
	return c
}

// LoadConfig decodes a YAML configuration. Unknown fields are rejected. Fields left out keep the value of
// DefaultConfig, except pools and routes which replace the defaults when present.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var raw Config
	raw.Retry = cfg.Retry
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if raw.Pools == nil {
		raw.Pools = cfg.Pools
	}
	if raw.Routes == nil {
		raw.Routes = cfg.Routes
	}
	if err := raw.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return raw, nil
}

// LoadConfigFile reads and decodes a YAML configuration file.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfig(bytes.NewReader(data))
}

// Build creates the registry from Pools and the dispatcher on top of it.
func (c Config) Build(poolOpts []PoolOption, opts ...DispatcherOption) (*Dispatcher, error) {
	registry, err := NewRegistry(c.Pools, poolOpts...)
	if err != nil {
		return nil, err
	}
	d, err := NewDispatcher(c, registry, opts...)
	if err != nil {
		_ = registry.Stop(context.Background())
		return nil, err
	}
	return d, nil
}
