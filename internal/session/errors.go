package session

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors are marked with one of them so errors.Is
// keeps working through wrapping.
var (
	// ErrProtocolViolation is a malformed sequence from the client, such as an
	// ack for an unknown packet identifier. Callers log it and go on.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrResourceExhausted means the inflight queue is full or no packet
	// identifier is free. It is returned to the publisher.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrStoreUnavailable wraps a failed persistence call.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrBindingClosed is returned by Binding.Send after Close.
	ErrBindingClosed = errors.New("binding closed")
)

func protocolViolation(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocolViolation)
}

func resourceExhausted(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrResourceExhausted)
}

func storeUnavailable(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStoreUnavailable)
}
