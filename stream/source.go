package stream

import (
	"context"
	"sync"
)

// Source is a cancellable readiness source for one adapter. Ready fires when
// the component becomes writable or when any of the composed cancellations
// trips: the caller's context, the component's own circuit reset, the
// adapter closing, or the engine going away. Close revokes the underlying
// registrations; a Source must be closed when no longer polled.
type Source struct {
	ready chan struct{}

	stop      chan struct{}
	closeOnce sync.Once
	cancelCb  func()
}

// NewSource builds a readiness source for the adapter. The returned source
// is already armed; if the adapter is unusable at creation time it is
// immediately ready, so pollers observe the terminal state instead of
// hanging.
func (a *Adapter) NewSource(ctx context.Context) *Source {
	s := &Source{
		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}

	eng, ok := a.ref.Resolve()
	if !ok || a.isClosed() {
		s.signal()
		return s
	}

	s.cancelCb = eng.OnWritable(a.streamID, a.componentID, s.signal)

	// The channel-intrinsic cancellation: a reset virtual circuit must wake
	// pollers even though no writability event will ever arrive.
	var reset <-chan struct{}
	if comp, ok := eng.Component(a.streamID, a.componentID); ok {
		reset = comp.Reset
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-reset:
		case <-a.closedCh:
		case <-a.ref.Gone():
		case <-s.stop:
			return
		}
		s.signal()
	}()

	return s
}

// Ready returns the channel readiness is signalled on.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Close revokes the source's registrations. Idempotent.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.cancelCb != nil {
			s.cancelCb()
		}
	})
}

func (s *Source) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
