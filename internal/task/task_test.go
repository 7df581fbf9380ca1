// ABOUTME: Unit tests for the kind registry, result envelope, and error classification.
// ABOUTME: No database needed; these run anywhere.
package task_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacksund/taskq/internal/task"
)

func noopHandler(_ context.Context, _, _ json.RawMessage) (any, error) {
	return nil, nil
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	t.Parallel()
	r := task.NewRegistry()
	r.Register("noop", noopHandler)

	h, ok := r.Lookup("noop")
	require.True(t, ok)
	require.NotNil(t, h)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.True(t, r.Has("noop"))
	assert.False(t, r.Has("missing"))
}

func TestRegistryDuplicatePanics(t *testing.T) {
	t.Parallel()
	r := task.NewRegistry()
	r.Register("noop", noopHandler)
	assert.Panics(t, func() { r.Register("noop", noopHandler) })
}

func TestRegistryKindsSorted(t *testing.T) {
	t.Parallel()
	r := task.NewRegistry()
	r.Register("zeta", noopHandler)
	r.Register("alpha", noopHandler)
	r.Register("mid", noopHandler)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Kinds())
}

func TestResultEnvelopeValue(t *testing.T) {
	t.Parallel()
	env, err := task.EncodeValue(map[string]int{"answer": 42})
	require.NoError(t, err)

	value, jobErr, err := task.DecodeResult(env)
	require.NoError(t, err)
	require.Nil(t, jobErr)
	assert.JSONEq(t, `{"answer": 42}`, string(value))
}

func TestResultEnvelopeError(t *testing.T) {
	t.Parallel()
	env := task.EncodeError(fmt.Errorf("boom: %w", errors.New("inner")))

	value, jobErr, err := task.DecodeResult(env)
	require.NoError(t, err)
	require.Nil(t, value)
	require.NotNil(t, jobErr)
	assert.Equal(t, "boom: inner", jobErr.Message)
	assert.Contains(t, jobErr.Error(), "boom: inner")
}

func TestDecodeResultBadJSON(t *testing.T) {
	t.Parallel()
	_, _, err := task.DecodeResult(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestIsCommandNotFound(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"sentinel", task.ErrCommandNotFound, true},
		{"wrapped sentinel", fmt.Errorf("mycmd: %w", task.ErrCommandNotFound), true},
		{"exec.ErrNotFound", exec.ErrNotFound, true},
		{"exec.Error", &exec.Error{Name: "mycmd", Err: exec.ErrNotFound}, true},
		{"wrapped exec.Error", fmt.Errorf("run: %w", &exec.Error{Name: "mycmd", Err: exec.ErrNotFound}), true},
		{"exec.Error other cause", &exec.Error{Name: "mycmd", Err: errors.New("permission denied")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, task.IsCommandNotFound(tc.err))
		})
	}
}

func lookupBuiltin(t *testing.T, kind string) task.Handler {
	t.Helper()
	r := task.NewRegistry()
	task.RegisterBuiltins(r)
	h, ok := r.Lookup(kind)
	require.True(t, ok, "builtin %q not registered", kind)
	return h
}

func TestShellRunEcho(t *testing.T) {
	t.Parallel()
	h := lookupBuiltin(t, "shell.run")

	args, _ := json.Marshal(task.ShellRunArgs{Command: "echo", Argv: []string{"hello"}})
	v, err := h(context.Background(), args, nil)
	require.NoError(t, err)

	res, ok := v.(task.ShellRunResult)
	require.True(t, ok)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestShellRunMissingBinary(t *testing.T) {
	t.Parallel()
	h := lookupBuiltin(t, "shell.run")

	args, _ := json.Marshal(task.ShellRunArgs{Command: "taskq-no-such-binary-2b0f"})
	_, err := h(context.Background(), args, nil)
	require.Error(t, err)
	assert.True(t, task.IsCommandNotFound(err),
		"missing binary must classify as command-not-found, got: %v", err)
}

func TestDurationDecodesStringsAndNanoseconds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		json string
		want time.Duration
	}{
		{"string seconds", `"5s"`, 5 * time.Second},
		{"string compound", `"1h30m"`, 90 * time.Minute},
		{"bare nanoseconds", `5000000000`, 5 * time.Second},
		{"zero", `"0s"`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d task.Duration
			require.NoError(t, json.Unmarshal([]byte(tc.json), &d))
			assert.Equal(t, tc.want, time.Duration(d))
		})
	}

	var d task.Duration
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))

	// Round trip: always encodes as a string.
	out, err := json.Marshal(task.Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}

func TestSleepAcceptsDurationString(t *testing.T) {
	t.Parallel()
	h := lookupBuiltin(t, "sleep")

	v, err := h(context.Background(), json.RawMessage(`{"duration": "1ms"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "1ms", v)
}

func TestShellRunRequiresCommand(t *testing.T) {
	t.Parallel()
	h := lookupBuiltin(t, "shell.run")
	_, err := h(context.Background(), json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.False(t, task.IsCommandNotFound(err))
}
