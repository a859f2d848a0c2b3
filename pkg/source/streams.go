package source

import (
	"context"
	"sync"
)

// Streams tracks the Start calls running on a source so that Close can stop
// them and wait before the driver session is released. The zero value is
// ready to use.
type Streams struct {
	mu      sync.Mutex
	stopped bool
	nextID  int
	cancels map[int]context.CancelFunc
	wg      sync.WaitGroup
}

// Begin derives the context a Start call streams under. It fails with
// ErrClosed once Stop has run. The returned done func must be called when
// Start returns.
func (s *Streams) Begin(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil, ErrClosed
	}
	if s.cancels == nil {
		s.cancels = make(map[int]context.CancelFunc)
	}
	streamCtx, cancel := context.WithCancel(ctx)
	id := s.nextID
	s.nextID++
	s.cancels[id] = cancel
	s.wg.Add(1)

	done := func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
		cancel()
		s.wg.Done()
	}
	return streamCtx, done, nil
}

// Stop cancels every running stream and blocks until each has called done.
func (s *Streams) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Result maps the error a stream ended with: a stream cut short by Stop
// reports ErrClosed rather than its context error.
func (s *Streams) Result(parent context.Context, err error) error {
	if err == nil || parent.Err() != nil {
		return err
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrClosed
	}
	return err
}
