package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Validation failure or failed events
	ExitCommandError = 2 // Command error (config not found, invalid flags, etc.)
)

// ExitError is an error carrying the process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors which are not an *ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON output envelope.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// formatter writes command results as text or JSON.
type formatter struct {
	format string
	out    io.Writer
}

func (f formatter) json() bool { return f.format == "json" }

// success writes data as JSON, or calls text to render it.
func (f formatter) success(data any, text func(w io.Writer)) error {
	if f.json() {
		encoder := json.NewEncoder(f.out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(Response{Status: "ok", Data: data})
	}
	text(f.out)
	return nil
}

// failure writes the error and returns it wrapped with the exit code.
func (f formatter) failure(code int, message string, err error) error {
	if f.json() {
		_ = json.NewEncoder(f.out).Encode(Response{Status: "error", Error: fmt.Sprintf("%s: %v", message, err)})
	} else {
		fmt.Fprintf(f.out, "✗ %s: %v\n", message, err)
	}
	return WrapExitError(code, message, err)
}

// newLogger returns a console logger on w, at debug level when verbose.
func newLogger(w io.Writer, verbose bool) zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: true}).Level(level).With().Timestamp().Logger()
}
