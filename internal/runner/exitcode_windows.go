//go:build windows

package runner

import (
	"errors"
	"os/exec"
)

// exitCodeFor maps a Wait() error to spec §4.6's exit code convention: on
// Windows there is no POSIX signal to translate, so a process killed by the
// runtime reports a negative sentinel exit code, still non-zero.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	code := exitErr.ExitCode()
	if code < 0 {
		return code
	}
	return code
}
