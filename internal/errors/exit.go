package errors

// ExitCode represents a CLI exit code.
type ExitCode int

const (
	// ExitSuccess indicates the command completed.
	ExitSuccess ExitCode = 0

	// ExitValidation indicates a validation error: bad weights,
	// malformed criterion, or otherwise invalid input.
	ExitValidation ExitCode = 1

	// ExitProducer indicates the upstream analysis producer failed.
	ExitProducer ExitCode = 2

	// ExitLockTimeout indicates the per-key compute lock was not
	// acquired within budget.
	ExitLockTimeout ExitCode = 3
)

// String returns a description of the exit code.
func (e ExitCode) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitValidation:
		return "validation error"
	case ExitProducer:
		return "producer failure"
	case ExitLockTimeout:
		return "lock timeout"
	default:
		return "unknown"
	}
}

// ExitCodeFor maps an error to the process exit code. NotFound,
// conflict, and internal errors share the general validation/error
// exit; producer and lock failures get dedicated codes so callers can
// script retries.
func ExitCodeFor(err error) ExitCode {
	if err == nil {
		return ExitSuccess
	}
	switch CodeOf(err) {
	case ProducerFailed:
		return ExitProducer
	case LockTimeout:
		return ExitLockTimeout
	default:
		return ExitValidation
	}
}
