// Package dberrors holds the error taxonomy shared by every layer of the
// engine. Callers classify failures with errors.Is against the sentinels.
package dberrors

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is a recoverable miss on a point lookup or a find.
	ErrKeyNotFound = errors.New("layerdb: key not found")
	// ErrCorruptData marks malformed blocks, indexes, log records or a rangemap
	// entry naming a region that cannot be read.
	ErrCorruptData = errors.New("layerdb: corrupt data")
	// ErrInvariantViolation marks programmer errors such as writing through a
	// frozen snapshot or committing a finished transaction.
	ErrInvariantViolation = errors.New("layerdb: invariant violation")
	// ErrResourceExhausted is returned when a region request cannot be served.
	ErrResourceExhausted = errors.New("layerdb: resource exhausted")
	ErrClosed            = errors.New("layerdb: closed")
	ErrInvalidArgument   = errors.New("layerdb: invalid argument")
)

// Corruptf wraps ErrCorruptData with context.
func Corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptData, format, args...)
}

// MarkCorrupt classifies an underlying failure as corruption while keeping
// its cause.
func MarkCorrupt(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrCorruptData)
}

// Invariantf reports a programmer error. The returned error is an assertion
// failure (carrying a stack) marked with ErrInvariantViolation.
func Invariantf(format string, args ...interface{}) error {
	return errors.Mark(errors.AssertionFailedf(format, args...), ErrInvariantViolation)
}

// Exhaustedf wraps ErrResourceExhausted with context.
func Exhaustedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrResourceExhausted, format, args...)
}

// NotFoundf wraps ErrKeyNotFound with context.
func NotFoundf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrKeyNotFound, format, args...)
}

// IsNotFound reports whether err is a key miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
