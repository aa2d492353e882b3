// Package lifecycle coordinates shutdown of a batch run: a context
// cancelled on SIGTERM/SIGINT, plus LIFO cleanup of registered
// resources.
package lifecycle

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Manager cancels the run context on the first signal and force-exits
// on the second, so a wedged sync cannot ignore the operator.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	closers   []io.Closer
	closersMu sync.Mutex
	closeOnce sync.Once
}

// NewManager starts signal handling immediately.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{ctx: ctx, cancel: cancel}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, cancelling run (repeat to force exit)", sig)
		cancel()
		sig = <-sigCh
		log.Printf("received %v again, exiting", sig)
		os.Exit(130)
	}()

	return m
}

// Context is the run context; it is cancelled on the first signal.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// RegisterCloser adds a resource to be closed on shutdown. Closers run
// in reverse registration order.
func (m *Manager) RegisterCloser(closer io.Closer) {
	m.closersMu.Lock()
	defer m.closersMu.Unlock()
	m.closers = append(m.closers, closer)
}

// Close cancels the context and closes every registered resource,
// returning the first error. Safe to call more than once.
func (m *Manager) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		m.cancel()

		m.closersMu.Lock()
		closers := m.closers
		m.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
