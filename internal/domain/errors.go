package domain

import "errors"

// Relay error taxonomy. Only ErrFatalConfig blocks startup; everything else
// is recovered where it occurs and surfaced through status and logs.
var (
	// ErrTransient: the chat surface or socket is temporarily unreachable.
	// Retried with backoff, never fatal.
	ErrTransient = errors.New("transient I/O failure")

	// ErrMapping: a single message or action cannot be translated. The item
	// is dropped and logged; other items are unaffected.
	ErrMapping = errors.New("message mapping failed")

	// ErrValidation: an inbound action references an unknown contact or an
	// unsupported segment kind.
	ErrValidation = errors.New("action validation failed")

	// ErrOverload: a bounded buffer was full and the oldest entry was
	// evicted.
	ErrOverload = errors.New("buffer overflow")

	// ErrFatalConfig: required configuration is missing. The affected
	// subsystem stays idle; the process does not crash.
	ErrFatalConfig = errors.New("required configuration missing")
)
