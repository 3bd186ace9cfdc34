// Package stream exposes blocking write semantics over one stream/component
// pair of a reliable connectivity engine whose own send path is non-blocking
// and callback-driven.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Equod/libnice/engine"
)

var (
	// ErrClosed is returned by every operation once the adapter is closed,
	// its stream removed, or the engine gone.
	ErrClosed = errors.New("stream adapter is closed")
)

// Adapter binds blocking read/write semantics to exactly one
// (streamID, componentID) pair on an engine reached through a weak handle.
// The identifiers are fixed for the adapter's lifetime. Closing the adapter
// never removes the underlying engine stream; that is a separate, explicit
// engine operation.
//
// Concurrent Write calls on the same adapter are not serialized against one
// another beyond what the engine itself guarantees; interleaving between
// concurrent writers is the caller's responsibility.
type Adapter struct {
	log         *log.Entry
	ref         *engine.Ref
	streamID    uint32
	componentID uint32

	mu            sync.Mutex
	closed        bool
	closedCh      chan struct{}
	cancelRemoved func()
}

// New creates an adapter for the given stream and component. Both IDs must
// be at least 1 and the engine must be alive and operating in reliable mode.
func New(ref *engine.Ref, streamID, componentID uint32) (*Adapter, error) {
	if streamID < 1 || componentID < 1 {
		return nil, fmt.Errorf("invalid stream/component pair %d/%d", streamID, componentID)
	}

	eng, ok := ref.Resolve()
	if !ok {
		return nil, ErrClosed
	}
	if !eng.Reliable() {
		return nil, errors.New("engine is not in reliable mode")
	}

	a := &Adapter{
		log: log.WithFields(log.Fields{
			"stream_id":    streamID,
			"component_id": componentID,
		}),
		ref:         ref,
		streamID:    streamID,
		componentID: componentID,
		closedCh:    make(chan struct{}),
	}

	// Auto-close when our own stream is removed from the engine. The
	// registration is revoked during the adapter's own teardown so the
	// callback can never fire into a dead adapter.
	a.cancelRemoved = eng.OnStreamsRemoved(a.onStreamsRemoved)

	return a, nil
}

// Write blocks until all of p has been accepted by the engine, the context
// is cancelled, or the adapter becomes unusable. Cancellation before any
// byte is accepted returns 0 and the context error; cancellation after
// partial progress returns the partial count and no error. Any other
// failure is atomic: zero bytes reported alongside exactly one error.
func (a *Adapter) Write(ctx context.Context, p []byte) (int, error) {
	if a.isClosed() {
		return 0, ErrClosed
	}

	eng, ok := a.ref.Resolve()
	if !ok {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Per-call wait object. The writability callback runs under the
	// engine's internal lock, so it only performs a non-blocking send into
	// the buffered channel; the suspended caller below never holds that
	// lock. A callback firing after Write has returned lands in the buffer
	// and is collected together with it.
	writable := make(chan struct{}, 1)
	cancelWritable := eng.OnWritable(a.streamID, a.componentID, func() {
		select {
		case writable <- struct{}{}:
		default:
		}
	})
	defer cancelWritable()

	written := 0
	for written < len(p) {
		n, err := eng.SendNonblocking(a.streamID, a.componentID, p[written:])
		switch {
		case errors.Is(err, engine.ErrWouldBlock):
			select {
			case <-writable:
			case <-ctx.Done():
				if written == 0 {
					return 0, ctx.Err()
				}
				// Partial progress is not erased by cancellation.
				return written, nil
			case <-a.closedCh:
				return 0, ErrClosed
			case <-a.ref.Gone():
				return 0, ErrClosed
			}
		case errors.Is(err, engine.ErrNotFound):
			return 0, ErrClosed
		case err != nil:
			return 0, err
		default:
			written += n
		}
	}

	return written, nil
}

// WriteNonblocking makes a single non-blocking attempt to hand p to the
// engine. It returns engine.ErrWouldBlock when the component currently
// reports no headroom and ErrClosed once the adapter is unusable, for any
// input including empty.
func (a *Adapter) WriteNonblocking(p []byte) (int, error) {
	if a.isClosed() {
		return 0, ErrClosed
	}

	eng, ok := a.ref.Resolve()
	if !ok {
		return 0, ErrClosed
	}

	if len(p) == 0 {
		return 0, nil
	}

	if !a.componentWritable(eng) {
		return 0, engine.ErrWouldBlock
	}

	n, err := eng.SendNonblocking(a.streamID, a.componentID, p)
	if errors.Is(err, engine.ErrNotFound) {
		return 0, ErrClosed
	}
	return n, err
}

// IsWritable reports whether the component can currently accept data. The
// state is queried under the engine's internal lock for the duration of the
// lookup; on a reliable virtual circuit it reflects send-buffer headroom.
func (a *Adapter) IsWritable() bool {
	if a.isClosed() {
		return false
	}

	eng, ok := a.ref.Resolve()
	if !ok {
		return false
	}

	return a.componentWritable(eng)
}

// StreamID returns the bound stream ID.
func (a *Adapter) StreamID() uint32 {
	return a.streamID
}

// ComponentID returns the bound component ID.
func (a *Adapter) ComponentID() uint32 {
	return a.componentID
}

// Close marks the adapter permanently closed and revokes its engine
// subscriptions. Idempotent. The underlying engine stream stays untouched.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.closedCh)
	cancelRemoved := a.cancelRemoved
	a.cancelRemoved = nil
	a.mu.Unlock()

	if cancelRemoved != nil {
		cancelRemoved()
	}
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) componentWritable(eng engine.Engine) bool {
	comp, ok := eng.Component(a.streamID, a.componentID)
	if !ok {
		a.log.Warnf("component not found in engine")
		return false
	}
	return comp.Writable
}

func (a *Adapter) onStreamsRemoved(streamIDs []uint32) {
	for _, id := range streamIDs {
		if id == a.streamID {
			if err := a.Close(); err != nil {
				a.log.Errorf("failed to close adapter: %s", err)
			}
			return
		}
	}
}
