// Package listener runs a handler for every value received on a channel in a
// single background goroutine. The WAL syncer and the maintenance scheduler
// are both built on it.
package listener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Job is a background loop owned by a longer-lived component.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

type settings struct {
	onStop  func()
	onError func(error)
	logger  *slog.Logger
}

type Option func(*settings)

// WithStopHandler runs f once, after the loop has exited.
func WithStopHandler(f func()) Option { return func(s *settings) { s.onStop = f } }

// WithErrorHandler replaces the default, which logs the failure. Failures
// never stop the loop; the owner decides whether they are sticky.
func WithErrorHandler(f func(error)) Option { return func(s *settings) { s.onError = f } }

func WithLogger(l *slog.Logger) Option { return func(s *settings) { s.logger = l } }

// Stats counts handler invocations.
type Stats struct {
	Handled uint64
	Failed  uint64
}

type Listener[T any] struct {
	name   string
	in     <-chan T
	handle func(T) error
	settings

	handled atomic.Uint64
	failed  atomic.Uint64

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

var _ Job = (*Listener[struct{}])(nil)

// New returns a stopped listener named name for log lines and errors.
func New[T any](name string, in <-chan T, handle func(T) error, opts ...Option) *Listener[T] {
	l := &Listener[T]{
		name:     name,
		in:       in,
		handle:   handle,
		settings: settings{onStop: func() {}, logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(&l.settings)
	}
	if l.onError == nil {
		l.onError = func(err error) {
			l.logger.Error("listener handler failed", "listener", l.name, "error", err)
		}
	}
	return l
}

// Start launches the loop. It returns at once; a second call is a no-op.
func (l *Listener[T]) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.loop(ctx)
}

func (l *Listener[T]) loop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-l.in:
			if !ok {
				return
			}
			l.handled.Add(1)
			if err := l.handle(v); err != nil {
				l.failed.Add(1)
				l.onError(errors.Wrapf(err, "listener %s", l.name))
			}
		}
	}
}

// Stop cancels the loop, waits for the in-flight handler and runs the stop
// handler once. Stopping a listener that never started only runs the stop
// handler.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.stopOnce.Do(l.onStop)
}

func (l *Listener[T]) Stats() Stats {
	return Stats{Handled: l.handled.Load(), Failed: l.failed.Load()}
}
