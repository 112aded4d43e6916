package flow

import (
	"context"
	"fmt"
	"strings"
)

// ProcessingType declares which kind of worker pool should run a step.
type ProcessingType uint8

const (
	// LightCompute is short, non blocking CPU work.
	LightCompute ProcessingType = iota
	// Blocking is work which waits on I/O or locks.
	Blocking
	// HeavyCompute is long running CPU work.
	HeavyCompute
	// LightComputeAsync is light CPU work which hands its result over asynchronously.
	LightComputeAsync
	// BlockingReadWrite is blocking I/O reading or writing a stream.
	BlockingReadWrite
)

var processingTypeNames = [...]string{
	LightCompute:      "light-compute",
	Blocking:          "blocking",
	HeavyCompute:      "heavy-compute",
	LightComputeAsync: "light-compute-async",
	BlockingReadWrite: "blocking-read-write",
}

// ProcessingTypes lists every known processing type, in declaration order.
func ProcessingTypes() []ProcessingType {
	return []ProcessingType{LightCompute, Blocking, HeavyCompute, LightComputeAsync, BlockingReadWrite}
}

func (t ProcessingType) String() string {
	if int(t) < len(processingTypeNames) {
		return processingTypeNames[t]
	}
	return fmt.Sprintf("processing-type(%d)", uint8(t))
}

// ParseProcessingType parses the text form of a processing type (e.g. "heavy-compute").
func ParseProcessingType(s string) (ProcessingType, error) {
	for i, name := range processingTypeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return ProcessingType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown processing type %q", ErrInvalidConfig, s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ProcessingType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so a processing type can be used as a config map key.
func (t *ProcessingType) UnmarshalText(text []byte) error {
	parsed, err := ParseProcessingType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is the unit of work flowing through a pipeline. The dispatcher never looks inside it.
type Event struct {
	// Context tracks the completion of the work this event belongs to. It may be nil outside a pipeline.
	Context *EventContext
	// Payload is the business content.
	Payload any
	// Variables carries values set by steps.
	Variables map[string]any
}

// WithPayload returns a copy of the event carrying another payload.
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithVariable returns a copy of the event with the variable set. The original map is not modified.
func (e Event) WithVariable(key string, value any) Event {
	vars := make(map[string]any, len(e.Variables)+1)
	for k, v := range e.Variables {
		vars[k] = v
	}
	vars[key] = value
	e.Variables = vars
	return e
}

// Result is the outcome of an event going through a step or a pipeline.
type Result struct {
	Event Event
	Err   error
}

// Processor is the synchronous logic of a step.
type Processor func(ctx context.Context, ev Event) (Event, error)

// Completion is the hook used to signal the end of an asynchronous step. Only the first call has effect.
type Completion func(ev Event, err error)

// AsyncProcessor is the logic of a step which spawns further asynchronous work before returning.
// The step is not done until done is called.
type AsyncProcessor func(ctx context.Context, ev Event, done Completion)

// Step is a pipeline step: a processing type plus the logic to run.
type Step struct {
	Name string
	Type ProcessingType
	// Process is used when ProcessAsync is nil.
	Process Processor
	// ProcessAsync takes precedence over Process.
	ProcessAsync AsyncProcessor
}

// Validate checks the step carries some logic.
func (s Step) Validate() error {
	if s.Process == nil && s.ProcessAsync == nil {
		return fmt.Errorf("%w: step %q has no processor", ErrInvalidStep, s.Name)
	}
	return nil
}

// NewStep creates a synchronous step.
func NewStep(name string, typ ProcessingType, proc Processor) Step {
	return Step{Name: name, Type: typ, Process: proc}
}

// NewAsyncStep creates a step which signals its own completion.
func NewAsyncStep(name string, typ ProcessingType, proc AsyncProcessor) Step {
	return Step{Name: name, Type: typ, ProcessAsync: proc}
}
