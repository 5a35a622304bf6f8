package deployerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want codes.Code
	}{
		"ErrNotFound":                        {&ErrNotFound{}, codes.NotFound},
		"ErrInvalidArgument":                 {&ErrInvalidArgument{}, codes.InvalidArgument},
		"ErrInvalidCapacity":                 {&ErrInvalidCapacity{}, codes.InvalidArgument},
		"ErrInsufficientResources":           {&ErrInsufficientResources{}, codes.ResourceExhausted},
		"ErrAlreadyTerminal":                 {&ErrAlreadyTerminal{}, codes.FailedPrecondition},
		"ErrInvalidTransition":               {&ErrInvalidTransition{}, codes.FailedPrecondition},
		"ErrStoreUnavailable":                {&ErrStoreUnavailable{}, codes.Unavailable},
		"ErrPersistenceFailure":              {&ErrPersistenceFailure{}, codes.Aborted},
		"pkg.Error => ErrNotFound":           {errors.WithMessage(&ErrNotFound{}, "foo"), codes.NotFound},
		"pkg.Error => ErrStoreUnavailable":   {errors.WithStack(&ErrStoreUnavailable{}), codes.Unavailable},
		"pkg.Error => ErrAlreadyTerminal":    {errors.Wrap(&ErrAlreadyTerminal{}, "foo"), codes.FailedPrecondition},
		"pkg.Error":                          {errors.New("foo"), codes.Unknown},
		"nil":                                {nil, codes.OK},
		"gRPC status":                        {status.New(codes.Internal, "foo").Err(), codes.Internal},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, CodeFromError(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                      {nil, false},
		"plain":                    {errors.New("foo"), false},
		"store unavailable":        {&ErrStoreUnavailable{Store: "redis", Err: errors.New("timeout")}, true},
		"wrapped store":            {errors.WithStack(&ErrStoreUnavailable{Store: "redis"}), true},
		"persistence failure":      {&ErrPersistenceFailure{DeploymentId: "a"}, true},
		"not found":                {&ErrNotFound{Type: "deployment", Value: "a"}, false},
		"already terminal":         {&ErrAlreadyTerminal{DeploymentId: "a"}, false},
		"invalid capacity":         {&ErrInvalidCapacity{ClusterId: "c"}, false},
		"insufficient resources":   {&ErrInsufficientResources{ClusterId: "c"}, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		`resource "d1" of type "deployment" does not exist`,
		(&ErrNotFound{Type: "deployment", Value: "d1"}).Error())
	assert.Equal(t,
		`resource "d1" does not exist; evicted`,
		(&ErrNotFound{Value: "d1", Message: "evicted"}).Error())
	assert.Equal(t,
		`deployment "d1" is already in terminal state COMPLETED`,
		(&ErrAlreadyTerminal{DeploymentId: "d1", Status: "COMPLETED"}).Error())
	assert.Contains(t,
		(&ErrPersistenceFailure{DeploymentId: "d1", Err: errors.New("boom")}).Error(),
		"requires resync")
	assert.NotContains(t,
		(&ErrPersistenceFailure{DeploymentId: "d1", Compensated: true, Err: errors.New("boom")}).Error(),
		"requires resync")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := errors.WithStack(&ErrStoreUnavailable{Store: "redis", Op: "Snapshot", Err: cause})
	assert.True(t, errors.Is(err, cause))
}
