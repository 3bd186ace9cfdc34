// Package engine defines the connectivity-engine surface consumed by the
// blocking stream adapter, the weak handle used to reach a possibly
// destroyed engine, and an in-process reference implementation.
package engine

import "errors"

var (
	// ErrWouldBlock is returned by SendNonblocking when the component cannot
	// currently accept more data. It is transient: a writability callback
	// fires once the component drains.
	ErrWouldBlock = errors.New("send would block")

	// ErrNotFound is returned for a stream/component pair the engine does
	// not know, typically because the stream has been removed.
	ErrNotFound = errors.New("unknown stream or component")
)

// Component is a point-in-time snapshot of one component's channel state,
// taken under the engine's internal lock.
type Component struct {
	// Writable reports send-buffer headroom on a reliable virtual circuit.
	Writable bool
	// Reset is closed when the component's virtual circuit is reset. A nil
	// channel means the component carries no reset signal.
	Reset <-chan struct{}
}

// Engine is the shared, internally locked connectivity engine. All methods
// are safe for concurrent use. Writable callbacks are invoked while the
// engine holds its internal lock and must not call back into the engine or
// block; streams-removed callbacks are invoked outside the lock.
type Engine interface {
	// Reliable reports whether the engine operates in reliable
	// (virtual-circuit) mode.
	Reliable() bool

	// SendNonblocking attempts to hand p to the component. It returns the
	// number of bytes accepted, ErrWouldBlock when the component reports no
	// headroom, or ErrNotFound for an unknown endpoint.
	SendNonblocking(streamID, componentID uint32, p []byte) (int, error)

	// OnWritable registers cb to fire whenever the component transitions to
	// writable. The returned function revokes the registration and is safe
	// to call more than once.
	OnWritable(streamID, componentID uint32, cb func()) (cancel func())

	// OnStreamsRemoved registers cb to fire with the IDs of streams removed
	// from the engine. The returned function revokes the registration.
	OnStreamsRemoved(cb func(streamIDs []uint32)) (cancel func())

	// Component looks up the state of one component.
	Component(streamID, componentID uint32) (Component, bool)
}
