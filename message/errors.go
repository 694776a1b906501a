package message

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every layer. Anything that can be expressed as an error
// response is returned as one; these sentinels let callers classify it with errors.Is.
var (
	ErrService       = errors.New("service error")
	ErrTransport     = errors.New("transport error")
	ErrTimeout       = errors.New("remote call timeout")
	ErrCallTimeout   = errors.New("call timeout")
	ErrPoolExhausted = errors.New("service request pool exhausted")
	ErrRateWarning   = errors.New("call rate warning")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrNotFound      = errors.New("service or method not found")
)

// ErrorKind classifies a RemoteError.
type ErrorKind string

const (
	KindService       ErrorKind = "service"
	KindTransport     ErrorKind = "transport"
	KindTimeout       ErrorKind = "timeout"
	KindCallTimeout   ErrorKind = "call_timeout"
	KindPoolExhausted ErrorKind = "pool_exhausted"
	KindRateWarning   ErrorKind = "rate_warning"
	KindRateLimited   ErrorKind = "rate_limited"
	KindNotFound      ErrorKind = "not_found"
)

var kindSentinels = map[ErrorKind]error{
	KindService:       ErrService,
	KindTransport:     ErrTransport,
	KindTimeout:       ErrTimeout,
	KindCallTimeout:   ErrCallTimeout,
	KindPoolExhausted: ErrPoolExhausted,
	KindRateWarning:   ErrRateWarning,
	KindRateLimited:   ErrRateLimited,
	KindNotFound:      ErrNotFound,
}

// RemoteError is the serializable error carried by a ResponseMessage.
type RemoteError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is matches the sentinel of the error kind.
func (e *RemoteError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// FromError converts any error into a RemoteError, keeping the kind of known errors.
func FromError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	kind := KindService
	for _, k := range []ErrorKind{KindPoolExhausted, KindCallTimeout, KindTimeout, KindRateWarning, KindRateLimited, KindNotFound, KindTransport} {
		if errors.Is(err, kindSentinels[k]) {
			kind = k
			break
		}
	}
	return &RemoteError{Kind: kind, Message: err.Error()}
}

// PoolExhaustedError is returned when a node's request pool is empty at its maximum size.
type PoolExhaustedError struct {
	Node  string
	Limit int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("[%s] service request pool beyond the %d limit", e.Node, e.Limit)
}

func (e *PoolExhaustedError) Is(target error) bool {
	return target == ErrPoolExhausted
}

// TimeoutError describes a call that did not complete in time. Remote timeouts come from
// the proxy waiting on the network, the others from the async dispatch deadline.
type TimeoutError struct {
	Remote      bool
	Node        string
	ServiceName string
	MethodName  string
	Timeout     time.Duration
	Parameters  string
}

func (e *TimeoutError) Error() string {
	if e.Remote {
		return fmt.Sprintf("[%s] => Call remote service (%s, %s) timeout (%d) ms.\nParameters => %s",
			e.Node, e.ServiceName, e.MethodName, e.Timeout.Milliseconds(), e.Parameters)
	}
	return fmt.Sprintf("Call service (%s, %s) timeout (%d) ms.\nParameters => %s",
		e.ServiceName, e.MethodName, e.Timeout.Milliseconds(), e.Parameters)
}

func (e *TimeoutError) Is(target error) bool {
	if e.Remote {
		return target == ErrTimeout
	}
	return target == ErrCallTimeout
}

// WarningError is a non fatal condition, e.g. a method called too often in one window.
type WarningError struct {
	Message string
}

func (e *WarningError) Error() string {
	return e.Message
}

func (e *WarningError) Is(target error) bool {
	return target == ErrRateWarning
}
