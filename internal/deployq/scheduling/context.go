package scheduling

import (
	"context"
	"time"
)

// detachedContext keeps the values of its parent but is never cancelled.
type detachedContext struct {
	parent context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (detachedContext) Done() <-chan struct{} { return nil }

func (detachedContext) Err() error { return nil }

func (c detachedContext) Value(key interface{}) interface{} { return c.parent.Value(key) }

// detach returns a context that carries ctx's values without its cancellation or deadline.
// Lifecycle transitions run to completion once started.
func detach(ctx context.Context) context.Context {
	return detachedContext{parent: ctx}
}
