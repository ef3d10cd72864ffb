package chat

import (
	"context"
	"sync"
)

// Signal is a one-shot readiness notification.
// Only the first call to Fire or Fail has any effect.
type Signal struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewSignal creates an unresolved Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire marks the role as serviceable.
func (s *Signal) Fire() {
	s.resolve(nil)
}

// Fail marks the role as never becoming serviceable.
func (s *Signal) Fail(err error) {
	s.resolve(err)
}

func (s *Signal) resolve(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Done is closed once the signal is resolved.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Err returns the failure passed to Fail, or nil.
// It must only be called after Done is closed.
func (s *Signal) Err() error {
	return s.err
}

// WaitReady blocks until every signal is resolved.
// It returns the first failure, or ctx.Err() if ctx ends first.
// A signal that is never resolved blocks until ctx ends.
func WaitReady(ctx context.Context, signals ...*Signal) error {
	for _, s := range signals {
		select {
		case <-s.Done():
			if err := s.Err(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
