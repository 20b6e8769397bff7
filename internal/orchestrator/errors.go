package orchestrator

import "errors"

// Error taxonomy for a request. Callers branch on these with errors.Is; the
// CLI maps them to exit codes.
var (
	// ErrTransientUpstream marks a retryable upstream failure (home system,
	// session store).
	ErrTransientUpstream = errors.New("transient upstream failure")

	// ErrTimeout marks a request that ran out of its overall deadline.
	ErrTimeout = errors.New("request deadline exceeded")

	// ErrValidation marks a malformed request.
	ErrValidation = errors.New("invalid request")

	// ErrForbidden marks an operation the pipeline refuses on principle, such
	// as a command against an unauthorized target.
	ErrForbidden = errors.New("forbidden operation")

	// ErrCorruption marks unreadable persistent data. Fatal for the request.
	ErrCorruption = errors.New("data corruption")

	// ErrConfiguration marks an unusable configuration. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)
