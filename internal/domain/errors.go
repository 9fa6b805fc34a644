package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	// ErrDisconnected means the broker transport is gone; the caller must
	// reconnect before retrying.
	ErrDisconnected = errors.New("broker disconnected")
	// ErrMessage is a broker protocol refusal for one publish or consume.
	ErrMessage = errors.New("broker message error")
	// ErrBadPayload marks an unparseable or schema-invalid message body.
	ErrBadPayload = errors.New("bad payload")
	// ErrCorruptWAL marks a structural write-ahead-log failure (single bad
	// lines are skipped, not raised).
	ErrCorruptWAL = errors.New("corrupt wal")
	ErrShutdown   = errors.New("shutting down")
	ErrInternal   = errors.New("internal error")
)
