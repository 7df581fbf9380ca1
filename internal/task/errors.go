package task

import (
	"errors"
	"os/exec"
)

// ErrCommandNotFound marks a failure caused by the kind's underlying external
// command being absent from the worker host. Handlers that shell out should
// wrap it (or return the raw exec error, which is detected too) so the worker
// can tell a misconfigured deployment apart from an ordinary job failure.
var ErrCommandNotFound = errors.New("external command not found")

// IsCommandNotFound reports whether err indicates a missing external command.
// Covers an explicit ErrCommandNotFound wrap and the exec.LookPath /
// exec.Command family of not-found errors.
func IsCommandNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCommandNotFound) || errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}
