// Package deployerrors contains the errors returned by the scheduler to its callers.
// The API layer sitting in front of the scheduler looks for the error types defined in this
// file and maps them onto its own status codes (see CodeFromError).
//
// Errors are split into permanent and retryable ones. Retryable errors (ErrStoreUnavailable
// and ErrPersistenceFailure) are reported upward and never retried by the scheduler itself;
// it is up to the caller to decide whether to try again.
package deployerrors

import (
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned whenever a cluster or deployment isn't known.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "cluster" or "deployment"
	Value   string // Resource id
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "priority"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidCapacity is returned when a resource vector is negative or otherwise malformed,
// e.g., when a cluster reports more available than total capacity.
type ErrInvalidCapacity struct {
	ClusterId string
	Message   string
}

func (err *ErrInvalidCapacity) Error() string {
	if err.ClusterId == "" {
		return fmt.Sprintf("invalid capacity: %s", err.Message)
	}
	return fmt.Sprintf("invalid capacity for cluster %q: %s", err.ClusterId, err.Message)
}

// ErrInsufficientResources is returned when a reservation was attempted against a cluster that
// could not satisfy it.
type ErrInsufficientResources struct {
	ClusterId    string
	DeploymentId string
	Required     string
}

func (err *ErrInsufficientResources) Error() string {
	return fmt.Sprintf(
		"cluster %q has insufficient resources for deployment %q (requires %s)",
		err.ClusterId, err.DeploymentId, err.Required,
	)
}

// ErrAlreadyTerminal is returned for any lifecycle operation targeting a deployment that has
// already completed or failed.
type ErrAlreadyTerminal struct {
	DeploymentId string
	Status       string
}

func (err *ErrAlreadyTerminal) Error() string {
	return fmt.Sprintf("deployment %q is already in terminal state %s", err.DeploymentId, err.Status)
}

// ErrInvalidTransition is returned when a lifecycle operation is not valid for the current
// status of a deployment, e.g., completing a deployment that never started.
type ErrInvalidTransition struct {
	DeploymentId string
	From         string
	To           string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("deployment %q cannot move from %s to %s", err.DeploymentId, err.From, err.To)
}

// ErrStoreUnavailable wraps transient failures of the shared ledger/index store.
type ErrStoreUnavailable struct {
	Store string // e.g., "redis"
	Op    string // operation that failed, e.g., "TryReserve"
	Err   error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("%s unavailable during %s: %v", err.Store, err.Op, err.Err)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Err
}

// ErrPersistenceFailure is returned when the durable record store rejected a write that
// followed a ledger mutation. The ledger mutation has been compensated by the time this error
// is returned, unless Compensated is false.
type ErrPersistenceFailure struct {
	DeploymentId string
	Compensated  bool
	Err          error
}

func (err *ErrPersistenceFailure) Error() string {
	s := fmt.Sprintf("failed to persist deployment %q: %v", err.DeploymentId, err.Err)
	if !err.Compensated {
		s += "; ledger compensation failed, cluster requires resync"
	}
	return s
}

func (err *ErrPersistenceFailure) Unwrap() error {
	return err.Err
}

// IsRetryable returns true if err is a transient failure that a caller may retry.
// Uses errors.As to look through the chain of errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	{
		var e *ErrStoreUnavailable
		if errors.As(err, &e) {
			return true
		}
	}
	{
		var e *ErrPersistenceFailure
		if errors.As(err, &e) {
			return true
		}
	}
	return false
}

// IsNotFound returns true if the error chain contains an *ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// CodeFromError maps error types to gRPC return codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func CodeFromError(err error) codes.Code {
	// Check if the error is a gRPC status and, if so, return the embedded code.
	// If the error is nil, this returns an OK status code.
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}

	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return codes.NotFound
		}
	}
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return codes.InvalidArgument
		}
	}
	{
		var e *ErrInvalidCapacity
		if errors.As(err, &e) {
			return codes.InvalidArgument
		}
	}
	{
		var e *ErrInsufficientResources
		if errors.As(err, &e) {
			return codes.ResourceExhausted
		}
	}
	{
		var e *ErrAlreadyTerminal
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrInvalidTransition
		if errors.As(err, &e) {
			return codes.FailedPrecondition
		}
	}
	{
		var e *ErrStoreUnavailable
		if errors.As(err, &e) {
			return codes.Unavailable
		}
	}
	{
		var e *ErrPersistenceFailure
		if errors.As(err, &e) {
			return codes.Aborted
		}
	}

	return codes.Unknown
}
