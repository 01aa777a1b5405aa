package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a pending computation that settles exactly once.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewFuture returns an unsettled future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future already settled with v
func Resolved(v any) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Rejected returns a future already settled with err
func Rejected(err error) *Future {
	f := NewFuture()
	f.Reject(err)
	return f
}

// Async runs fn on its own goroutine and settles the returned future with its
// result. A panic in fn rejects the future.
func Async(fn func() (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(&PanicError{Value: r})
			}
		}()
		v, err := fn()
		f.settle(v, err)
	}()
	return f
}

// Resolve settles the future with a value. Later calls are ignored.
func (f *Future) Resolve(v any) {
	f.settle(v, nil)
}

// Reject settles the future with an error. Later calls are ignored.
func (f *Future) Reject(err error) {
	f.settle(nil, err)
}

func (f *Future) settle(v any, err error) {
	f.once.Do(func() {
		f.value = v
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed once the future settles
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future settles or ctx is cancelled. While it
// waits, the execution turn carried by ctx (if any) is given up.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}

	resume := yieldTurn(ctx)
	defer resume()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitFunc suspends a Routine until the given future settles.
type AwaitFunc func(*Future) (any, error)

// Routine is a multi-step cooperative computation. Each call to await
// suspends the routine until that future settles; the routine's own return
// value is the final result.
type Routine func(await AwaitFunc) (any, error)

// turn serializes the synchronous parts of invocations on one host. An
// invocation holds the turn while it runs and gives it up only while it
// awaits a future.
type turn struct {
	mu sync.Mutex
}

// turnToken is one invocation's claim on a turn
type turnToken struct {
	t    *turn
	held atomic.Bool
}

type turnKey struct{}

// acquire blocks until the turn is free and returns a held token
func (t *turn) acquire() *turnToken {
	t.mu.Lock()
	tok := &turnToken{t: t}
	tok.held.Store(true)
	return tok
}

// release gives up the turn if tok still holds it
func (tok *turnToken) release() {
	if tok.held.CompareAndSwap(true, false) {
		tok.t.mu.Unlock()
	}
}

func withTurn(ctx context.Context, tok *turnToken) context.Context {
	return context.WithValue(ctx, turnKey{}, tok)
}

// yieldTurn releases the turn held through ctx and returns a func that takes
// it back. Both are no-ops when ctx carries no held turn.
func yieldTurn(ctx context.Context) func() {
	tok, _ := ctx.Value(turnKey{}).(*turnToken)
	if tok == nil || !tok.held.CompareAndSwap(true, false) {
		return func() {}
	}
	tok.t.mu.Unlock()
	return func() {
		tok.t.mu.Lock()
		tok.held.Store(true)
	}
}
