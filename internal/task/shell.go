// ABOUTME: Builtin job kinds shipped with the taskq binary.
// ABOUTME: shell.run is the typed replacement for "submit any command line".
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellRunArgs is the positional-argument struct for the shell.run kind.
type ShellRunArgs struct {
	Command string   `json:"command"`
	Argv    []string `json:"argv,omitempty"`
}

// ShellRunKwargs is the keyword-argument struct for the shell.run kind.
// Timeout accepts a duration string such as "30s".
type ShellRunKwargs struct {
	Dir     string   `json:"dir,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}

// ShellRunResult is the value stored for a successful shell.run.
type ShellRunResult struct {
	Stdout   string `json:"stdout"`
	ExitCode int    `json:"exit_code"`
}

// RegisterBuiltins registers the job kinds every stock worker carries:
//
//	shell.run — run an external command and capture stdout
//	sleep     — block for a duration (smoke-testing the queue itself)
func RegisterBuiltins(r *Registry) {
	r.Register("shell.run", runShell)
	r.Register("sleep", runSleep)
}

func runShell(ctx context.Context, args, kwargs json.RawMessage) (any, error) {
	var a ShellRunArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("shell.run args: %w", err)
	}
	if a.Command == "" {
		return nil, fmt.Errorf("shell.run: command is required")
	}
	var kw ShellRunKwargs
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &kw); err != nil {
			return nil, fmt.Errorf("shell.run kwargs: %w", err)
		}
	}

	if kw.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(kw.Timeout))
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.Command, a.Argv...)
	cmd.Dir = kw.Dir
	out, err := cmd.Output()
	if err != nil {
		// exec.Error with ErrNotFound surfaces the missing-binary case to the
		// worker's containment heuristic; everything else is a job failure.
		if IsCommandNotFound(err) {
			return nil, fmt.Errorf("%s: %w", a.Command, ErrCommandNotFound)
		}
		return nil, fmt.Errorf("shell.run %s: %w", a.Command, err)
	}
	return ShellRunResult{
		Stdout:   strings.TrimRight(string(out), "\n"),
		ExitCode: 0,
	}, nil
}

// SleepArgs is the positional-argument struct for the sleep kind. Duration
// accepts a duration string such as "5s".
type SleepArgs struct {
	Duration Duration `json:"duration"`
}

func runSleep(ctx context.Context, args, _ json.RawMessage) (any, error) {
	var a SleepArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("sleep args: %w", err)
	}
	d := time.Duration(a.Duration)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return d.String(), nil
	}
}
