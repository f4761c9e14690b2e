package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var atexitMutex sync.Mutex
var atexitHandlers []func()

// AtExit registers a function to be run when the process is killed by a signal.
// This is best-effort; there are other ways of exiting that bypass it.
func AtExit(f func()) {
	atexitMutex.Lock()
	defer atexitMutex.Unlock()
	atexitHandlers = append(atexitHandlers, f)
}

// WithSignals returns a context that is cancelled when the process receives a terminating signal.
// Long-running queries and builds observe the context and abandon their work; a second signal
// runs the AtExit handlers and exits immediately.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			log.Warning("Received signal %s, cancelling", sig)
			cancel()
		case <-ctx.Done():
			signal.Stop(ch)
			return
		}
		sig := <-ch
		log.Warning("Received second signal %s, aborting", sig)
		runAtExit()
		exit(sig)
	}()
	return ctx, cancel
}

func runAtExit() {
	atexitMutex.Lock()
	handlers := atexitHandlers
	atexitMutex.Unlock()
	for _, h := range handlers {
		h()
	}
}

// exit kills the process with an exit code suitable for the given signal.
func exit(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		os.Exit(128 + int(s))
	}
	os.Exit(1)
}
