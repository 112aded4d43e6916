package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxatome/go-testdeep/td"
)

const smallConfig = `
pools:
  - name: light
    size: 2
  - name: io
    size: 4
routes:
  light-compute: light
  blocking: io
  heavy-compute: inline
maxConcurrency: 2
`

// execute runs flowctl with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.yaml")
	td.Require(t).CmpNoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("commands", func(t *testing.T) {
		cmd := NewRootCommand()
		td.Cmp(t, cmd.Use, "flowctl")
		for _, name := range []string{"validate", "defaults", "run"} {
			sub, _, err := cmd.Find([]string{name})
			td.CmpNoError(t, err, name)
			td.Cmp(t, sub.Name(), name)
		}
	})

	t.Run("global_flags", func(t *testing.T) {
		cmd := NewRootCommand()
		td.Cmp(t, cmd.PersistentFlags().Lookup("format").DefValue, "text")
		td.Cmp(t, cmd.PersistentFlags().Lookup("verbose").Shorthand, "v")
		td.Cmp(t, cmd.PersistentFlags().Lookup("config").Shorthand, "c")
	})

	t.Run("invalid_format", func(t *testing.T) {
		_, err := execute(t, "validate", "--format", "xml")

		td.CmpContains(t, err, `invalid format "xml"`)
		td.Cmp(t, GetExitCode(err), ExitFailure)
	})
}

func TestValidateCommand(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		out, err := execute(t, "validate")

		td.CmpNoError(t, err)
		td.CmpContains(t, out, "✓ Configuration valid")
		td.CmpRe(t, out, `route heavy-compute\s+-> cpuIntensive`, nil)
	})

	t.Run("config_file_json", func(t *testing.T) {
		// Arrange
		path := writeConfig(t, smallConfig)

		// Act
		out, err := execute(t, "validate", "--format", "json", "-c", path)

		// Assert
		td.Require(t).CmpNoError(err)
		var resp struct {
			Status string
			Data   ValidationResult
		}
		td.Require(t).CmpNoError(json.Unmarshal([]byte(out), &resp))
		td.Cmp(t, resp.Status, "ok")
		td.Cmp(t, resp.Data.MaxConcurrency, "2")
		td.Cmp(t, resp.Data.Routes, []RouteSummary{
			{Type: "light-compute", Pool: "light"},
			{Type: "blocking", Pool: "io"},
			{Type: "heavy-compute", Pool: "inline"},
		})
	})

	t.Run("invalid_config", func(t *testing.T) {
		path := writeConfig(t, "routes:\n  blocking: nowhere\npools:\n  - name: io\n")

		out, err := execute(t, "validate", "-c", path)

		td.CmpError(t, err)
		td.Cmp(t, GetExitCode(err), ExitFailure)
		td.CmpContains(t, out, "✗ invalid configuration")
	})
}

func TestDefaultsCommand(t *testing.T) {
	out, err := execute(t, "defaults")

	td.CmpNoError(t, err)
	td.CmpContains(t, out, "maxConcurrency: unbounded")
	td.CmpContains(t, out, "light-compute: cpuLight")
}

func TestRunCommand(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		// Arrange
		path := writeConfig(t, smallConfig)

		// Act
		out, err := execute(t, "run", "-c", path, "--format", "json", "-n", "20", "--work", "0s")

		// Assert
		td.Require(t).CmpNoError(err)
		var resp struct {
			Data RunResult
		}
		td.Require(t).CmpNoError(json.Unmarshal([]byte(out), &resp))
		td.Cmp(t, resp.Data, td.SStruct(RunResult{Events: 20, Succeeded: 20}, td.StructFields{
			"Elapsed": td.NotEmpty(),
			"Stats":   td.Struct(nil, td.StructFields{"Executed": uint64(60)}),
		}))
	})

	t.Run("failing_events", func(t *testing.T) {
		path := writeConfig(t, smallConfig)

		out, err := execute(t, "run", "-c", path, "-n", "10", "--work", "0s", "--fail-every", "2")

		td.Cmp(t, GetExitCode(err), ExitFailure)
		td.CmpContains(t, out, "events=10 succeeded=5 failed=5 overloaded=0")
	})

	t.Run("unknown_step_type", func(t *testing.T) {
		_, err := execute(t, "run", "--steps", "light-compute,slow")

		td.Cmp(t, GetExitCode(err), ExitCommandError)
	})
}

func TestGetExitCode(t *testing.T) {
	td.Cmp(t, GetExitCode(nil), ExitSuccess)
	td.Cmp(t, GetExitCode(&ExitError{Code: ExitCommandError, Message: "boom"}), ExitCommandError)
	td.Cmp(t, GetExitCode(os.ErrNotExist), ExitFailure)
}
