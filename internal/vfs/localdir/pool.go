package localdir

import (
	"context"
	"runtime"
)

// pool offloads blocking filesystem syscalls onto a bounded set of workers
// so they never run on whatever goroutine is driving the SFTP session.
// A buffered channel acts as a counting semaphore; run submits one
// closure, waits for it to finish, and propagates its panic (if any) back
// to the calling goroutine.
type pool struct {
	sem chan struct{}
}

func newPool(size int) *pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0) * 4
	}
	return &pool{sem: make(chan struct{}, size)}
}

// run executes fn on a pool worker and blocks until it completes or ctx is
// done. A panic inside fn is recovered and re-raised on the caller's
// goroutine so it surfaces the same way a direct call would have.
func (p *pool) run(ctx context.Context, fn func() error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	type result struct {
		err      error
		panicked bool
		panicVal any
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{panicked: true, panicVal: r}
			}
		}()
		done <- result{err: fn()}
	}()

	select {
	case r := <-done:
		if r.panicked {
			panic(r.panicVal)
		}
		return r.err
	case <-ctx.Done():
		// The goroutine above is still running; let it finish and drop its
		// result rather than leaking the channel send.
		go func() { <-done }()
		return ctx.Err()
	}
}
