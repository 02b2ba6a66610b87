package cancellation

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSignals are the cancellation signals an orchestrator sends to a task process.
var DefaultSignals = []os.Signal{unix.SIGTERM, unix.SIGINT}

// Listen forwards the first delivered signal to handler on a background goroutine. Later
// signals are swallowed until stop is called, so a repeated SIGTERM does not kill the process
// while cleanup runs. The listener also ends when ctx is done. stop is idempotent.
func Listen(ctx context.Context, handler func(os.Signal), signals ...os.Signal) (stop func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(signals) == 0 {
		signals = DefaultSignals
	}

	delivered := make(chan os.Signal, 1)
	signal.Notify(delivered, signals...)

	done := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(delivered)
			close(done)
		})
	}

	go func() {
		handled := false
		for {
			select {
			case sig := <-delivered:
				if handled {
					continue
				}
				handled = true
				if handler != nil {
					handler(sig)
				}
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			}
		}
	}()

	return stop
}
