// Package runloop lets blocking code drive asynchronous operations.
//
// A [Loop] is a single driver goroutine that runs submitted operations
// one at a time, the way an event loop drives coroutines. Model requests
// and MCP tool calls are expressed as an [Op] and executed with [Call],
// which blocks the caller until the op has finished on a loop:
//
//   - If ctx carries a loop (see [WithLoop]) the op is queued on it and
//     Call waits for the result. Ops run strictly one at a time in
//     submission order.
//   - If ctx carries no loop, Call creates one for the duration of the
//     call and shuts it down afterwards.
//   - If Call is made on the loop's own goroutine, that is from inside an
//     op the loop is driving, the inner op runs inline. Queueing it
//     instead would wait on the very goroutine that is waiting for it.
//     Callers inside an op should pass the ctx the op received so the
//     loop is found even when ctx carries no [WithLoop] value.
//
// Only the loop goroutine runs ops inline. A goroutine started by an op,
// or code that keeps an op's ctx after the op returned, has its Calls
// queued like any other submission, so an op must not wait on a
// goroutine that calls back into the same loop.
//
// Errors returned by an op reach the caller unchanged. A panic inside an
// op is re-raised on the calling goroutine. Once an op has been handed to
// the driver it always runs to completion and its result is always
// delivered; there is no cancellation at this layer beyond what the op
// itself does with its ctx.
package runloop

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when an op is submitted to a loop that has been
// closed. The op is not run.
var ErrClosed = errors.New("runloop: loop is closed")

// Op is an operation that must be driven by a loop.
type Op[T any] func(ctx context.Context) (T, error)

// Loop drives ops on a single goroutine.
type Loop struct {
	jobs    chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	busy   atomic.Bool
	runs   atomic.Int64
	driver atomic.Uint64 // goroutine id of drive
}

type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

type loopKey struct{}
type drivingKey struct{}

// New starts a loop. Close must be called to stop its goroutine.
func New() *Loop {
	l := &Loop{
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.drive()
	return l
}

func (l *Loop) drive() {
	defer close(l.stopped)
	l.driver.Store(goid())
	for {
		select {
		case j := <-l.jobs:
			l.busy.Store(true)
			j.run(context.WithValue(j.ctx, drivingKey{}, l))
			l.busy.Store(false)
		case <-l.quit:
			return
		}
	}
}

// Close stops the loop after the op in flight, if any, has finished.
// Submissions racing with Close fail with [ErrClosed]. Close must not be
// called from inside an op driven by this loop.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	<-l.stopped
}

// Busy reports whether the loop is currently driving an op.
func (l *Loop) Busy() bool {
	return l.busy.Load()
}

// onLoop reports whether the caller is running on l's goroutine.
func (l *Loop) onLoop() bool {
	return l.driver.Load() == goid()
}

// goid returns the calling goroutine's id from the "goroutine N [...]"
// header that runtime.Stack writes. Ids start at 1.
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Runs returns the number of ops this loop has driven to completion.
// Ops nested inline by reentrant calls are not counted separately.
func (l *Loop) Runs() int64 {
	return l.runs.Load()
}

func (l *Loop) submit(ctx context.Context, j job) error {
	select {
	case <-l.quit:
		return ErrClosed
	default:
	}
	select {
	case l.jobs <- j:
		return nil
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithLoop returns a context whose [Call]s are driven by l.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// FromContext returns the loop attached to ctx, or nil.
func FromContext(ctx context.Context) *Loop {
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}

// driving returns the loop that drove the op which received ctx. The op
// may have finished since; see [Loop.onLoop].
func driving(ctx context.Context) *Loop {
	l, _ := ctx.Value(drivingKey{}).(*Loop)
	return l
}

// Call runs op to completion and returns its result. See the package
// documentation for how the driving loop is chosen.
func Call[T any](ctx context.Context, op Op[T]) (T, error) {
	if d := driving(ctx); d != nil && d.onLoop() {
		return runInline(ctx, op)
	}
	l := FromContext(ctx)
	if l == nil {
		l = New()
		defer l.Close()
		return Drive(ctx, l, op)
	}
	return Drive(ctx, l, op)
}

// Drive runs op on l, or inline when the caller is already running on
// l's goroutine.
func Drive[T any](ctx context.Context, l *Loop, op Op[T]) (T, error) {
	if l.onLoop() {
		return runInline(ctx, op)
	}

	type result struct {
		val      T
		err      error
		panicked bool
		panicVal any
	}

	done := make(chan result, 1)
	j := job{
		ctx: ctx,
		run: func(jctx context.Context) {
			var r result
			defer func() {
				if p := recover(); p != nil {
					r.panicked = true
					r.panicVal = p
				}
				l.runs.Add(1)
				done <- r
			}()
			r.val, r.err = op(jctx)
		},
	}

	if err := l.submit(ctx, j); err != nil {
		var zero T
		return zero, err
	}

	r := <-done
	if r.panicked {
		panic(r.panicVal)
	}
	return r.val, r.err
}

func runInline[T any](ctx context.Context, op Op[T]) (T, error) {
	return op(ctx)
}
