package main

import (
	coacherrors "coach/internal/errors"
)

// exitCode maps a command error onto the process exit code: 1 for
// validation and general failures, 2 for producer failures, 3 for
// lock-acquisition timeouts.
func exitCode(err error) int {
	return int(coacherrors.ExitCodeFor(err))
}
