package xdispatch

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull                   = errors.New("xdispatch: queue full")
	ErrDispatcherClosed            = errors.New("xdispatch: dispatcher is closed")
	ErrNotRunning                  = errors.New("xdispatch: dispatcher is not running")
	ErrAlreadyRunning              = errors.New("xdispatch: dispatcher is already running")
	ErrNoGatewayConfigured         = errors.New("xdispatch: no gateway configured")
	ErrInvalidMessage              = errors.New("xdispatch: invalid message")
	ErrInvalidSubscription         = errors.New("xdispatch: invalid subscription")
	ErrSubscriptionNotFound        = errors.New("xdispatch: subscription not found")
	ErrGatewayRejected             = errors.New("xdispatch: gateway rejected request")
	ErrCallbackPanic               = errors.New("xdispatch: callback panic")
	ErrObserverPoolShutdownTimeout = errors.New("xdispatch: observer pool shutdown timeout")
)

// UnknownGatewayError is returned by NewGateway for an unregistered name.
type UnknownGatewayError struct{ Name string }

func (e UnknownGatewayError) Error() string {
	return fmt.Sprintf("xdispatch: unknown gateway: %s", e.Name)
}

// FilterError reports a filter expression that could not be parsed.
type FilterError struct {
	Expr      string
	Condition string
	Reason    string
	Err       error
}

func (e *FilterError) Error() string {
	if e.Condition == "" {
		return fmt.Sprintf("xdispatch: invalid filter %q: %s", e.Expr, e.Reason)
	}
	return fmt.Sprintf("xdispatch: invalid filter condition %q in %q: %s", e.Condition, e.Expr, e.Reason)
}

func (e *FilterError) Unwrap() error { return e.Err }

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%w: %w", ErrCallbackPanic, err)
	}
	return fmt.Errorf("%w: %v", ErrCallbackPanic, r)
}
