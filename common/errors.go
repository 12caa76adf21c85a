package common

import "errors"

// Telemetry pipeline error taxonomy. Callers wrap these with fmt.Errorf("%w") and
// classify with errors.Is.
var (
	// ErrInvalidEvent malformed event or missing fields
	ErrInvalidEvent = errors.New("invalid event")
	// ErrUnknownTap event references a tap which does not exist
	ErrUnknownTap = errors.New("unknown tap")
	// ErrDuplicateIgnored event was already applied
	ErrDuplicateIgnored = errors.New("duplicate ignored")
	// ErrTransportFailure live channel connection failure
	ErrTransportFailure = errors.New("transport failure")
	// ErrSessionTimeout session missed its heartbeat deadline
	ErrSessionTimeout = errors.New("session timeout")
	// ErrSlowConsumer session outbound queue is full
	ErrSlowConsumer = errors.New("slow consumer")
)
