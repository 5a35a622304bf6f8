package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Stacktrace is the field holding the stack recorded by pkg/errors, if any.
const Stacktrace = "stacktrace"

// WithStacktrace adds err to entry along with the innermost stack trace recorded in its chain.
func WithStacktrace(entry *logrus.Entry, err error) *logrus.Entry {
	entry = entry.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		entry = entry.WithField(Stacktrace, stack)
	}
	return entry
}

// ExtractStack returns the stack trace recorded closest to where the error originated, or nil if
// no error in the chain carries one. Both Cause and Unwrap chains are followed.
func ExtractStack(err error) errors.StackTrace {
	var stack errors.StackTrace
	for err != nil {
		if tracer, ok := err.(interface{ StackTrace() errors.StackTrace }); ok {
			stack = tracer.StackTrace()
		}
		err = next(err)
	}
	return stack
}

func next(err error) error {
	switch e := err.(type) {
	case interface{ Cause() error }:
		return e.Cause()
	case interface{ Unwrap() error }:
		return e.Unwrap()
	}
	return nil
}
