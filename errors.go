package dastream

import "errors"

// Errors returned by the streaming core. They are wrapped with detail, so test
// for them with errors.Is.
var (
	ErrBadConfig      = errors.New("invalid stream configuration")
	ErrOutOfMemory    = errors.New("ring buffer allocation exceeds memory safety margin")
	ErrNotStreaming   = errors.New("session is not streaming")
	ErrTransfer       = errors.New("ingest transfer failed")
	ErrTriggerTimeout = errors.New("trigger did not fire before the timeout")
)
