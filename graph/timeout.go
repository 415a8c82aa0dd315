package graph

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// errExecutorTimeout is the cause of an ExecutorFault raised when a handler
// outlives WithExecutorTimeout.
var errExecutorTimeout = errors.New("executor exceeded timeout")

// invokeHandler runs one handler call with the engine timeout applied and
// panics recovered.
//
// A handler that panics returns an ExecutorFault with Panicked set. A handler
// that returns after its deadline expired reports errExecutorTimeout even if
// it returned nil, since its side effects may be incomplete.
func invokeHandler(ctx context.Context, fn HandlerFunc, msg Message, wc *WorkflowContext, timeout time.Duration) (result any, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			wc.logger.Error(fmt.Sprintf("handler panic: %v\n%s", p, debug.Stack()))
			result = nil
			err = &ExecutorFault{
				ExecutorID: wc.id,
				Step:       wc.step,
				Panicked:   true,
				Cause:      fmt.Errorf("%v", p),
			}
		}
	}()

	result, err = fn(ctx, msg, wc)

	if timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w: %s after %v", errExecutorTimeout, wc.id, timeout)
	}
	return result, err
}
