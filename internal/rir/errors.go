package rir

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedAddress is returned for an address literal that does not parse.
	// A single corrupt address invalidates the whole feed.
	ErrMalformedAddress = errors.New("rir: malformed address")
	// ErrMalformedCount is returned for an IPv4 count or IPv6 prefix length that does not parse.
	ErrMalformedCount = errors.New("rir: malformed count")
	// ErrInvalidInterval is returned by the normalizer for an interval with End < Start.
	ErrInvalidInterval = errors.New("rir: invalid interval")
	// ErrParserClosed is returned when writing to a parser after Close.
	ErrParserClosed = errors.New("rir: parser closed")
)

// LineError reports a fatal problem on a specific feed line.
type LineError struct {
	Line int
	Text string
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("rir: line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}
