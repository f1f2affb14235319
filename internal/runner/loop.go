// Package runner runs periodic background work with a cancellable handle.
package runner

import (
	"context"
	"sync"
	"time"
)

// Loop is a handle to a periodic task started by Every.
type Loop struct {
	cancel   context.CancelFunc
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Every runs fn immediately and then every interval until Stop is called or
// ctx is done. Ticks never overlap: a tick that fires while fn is running is
// dropped. The context passed to fn is cancelled by Stop as well as by ctx;
// work that must not be cut short detaches from it.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) *Loop {
	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(l.done)
		defer cancel()

		fn(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				// Stop may race with the tick; prefer stopping.
				select {
				case <-l.stop:
					return
				default:
				}
				fn(ctx)
			}
		}
	}()

	return l
}

// Stop prevents further ticks and cancels the tick context, then waits for an
// in-flight tick to return.
// It is safe to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stop)
		l.cancel()
	})
	<-l.done
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
