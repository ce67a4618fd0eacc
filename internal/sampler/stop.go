package sampler

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// StopFlag is a one-shot stop request shared between a signal watcher and a
// Loop. Raising it more than once has the same effect as raising it once.
type StopFlag struct {
	raised atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// NewStopFlag returns a flag that has not been raised.
func NewStopFlag() *StopFlag {
	return &StopFlag{done: make(chan struct{})}
}

// Raise requests a stop. It reports whether this call was the one that
// raised the flag.
func (f *StopFlag) Raise() bool {
	first := f.raised.CompareAndSwap(false, true)
	f.once.Do(func() { close(f.done) })
	return first
}

// Raised reports whether a stop has been requested.
func (f *StopFlag) Raised() bool {
	return f.raised.Load()
}

// Done is closed when the flag is raised.
func (f *StopFlag) Done() <-chan struct{} {
	return f.done
}

// Notify raises f when the process receives one of sigs (SIGINT and SIGTERM
// if none are given). The returned func stops the watcher and restores
// default signal handling.
func Notify(f *StopFlag, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ch:
				f.Raise()
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			wg.Wait()
		})
	}
}
