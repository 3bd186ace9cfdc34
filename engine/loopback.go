package engine

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/transport/v3/packetio"
	log "github.com/sirupsen/logrus"
)

const defaultSendBufferSize = 64 * 1024

// Loopback is a reliable in-process engine. Each component owns a bounded
// send buffer; SendNonblocking fills it, Recv drains it and fires the
// writability callbacks. It exists for tests and local wiring, not as a
// connectivity engine.
type Loopback struct {
	log       *log.Entry
	ref       *Ref
	sendLimit int

	mu      sync.Mutex
	closed  bool
	streams map[uint32]map[uint32]*loopComponent

	cbMu        sync.Mutex
	nextCbID    int
	writableCbs map[endpoint]map[int]func()
	removedCbs  map[int]func([]uint32)
}

type endpoint struct {
	streamID    uint32
	componentID uint32
}

type loopComponent struct {
	buf       *packetio.Buffer
	reset     chan struct{}
	resetOnce sync.Once

	// pending counts queued payload bytes, guarded by Loopback.mu. The send
	// limit is enforced against this count rather than the buffer's own
	// size so that headroom reported to callers is payload-only, free of
	// the buffer's internal per-packet framing.
	pending int
}

func NewLoopback(sendBufferSize int) *Loopback {
	if sendBufferSize <= 0 {
		sendBufferSize = defaultSendBufferSize
	}
	l := &Loopback{
		log:         log.WithField("engine", "loopback"),
		sendLimit:   sendBufferSize,
		streams:     make(map[uint32]map[uint32]*loopComponent),
		writableCbs: make(map[endpoint]map[int]func()),
		removedCbs:  make(map[int]func([]uint32)),
	}
	l.ref = NewRef(l)
	return l
}

// Ref returns the weak handle adapters hold instead of the engine itself.
func (l *Loopback) Ref() *Ref {
	return l.ref
}

func (l *Loopback) Reliable() bool {
	return true
}

// AddStream registers a stream with the given components.
func (l *Loopback) AddStream(streamID uint32, componentIDs ...uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	comps, ok := l.streams[streamID]
	if !ok {
		comps = make(map[uint32]*loopComponent)
		l.streams[streamID] = comps
	}
	for _, id := range componentIDs {
		if _, ok := comps[id]; ok {
			continue
		}
		comps[id] = &loopComponent{
			buf:   packetio.NewBuffer(),
			reset: make(chan struct{}),
		}
	}
}

// RemoveStream drops the stream and notifies the streams-removed observers.
func (l *Loopback) RemoveStream(streamID uint32) {
	l.mu.Lock()
	comps, ok := l.streams[streamID]
	if ok {
		delete(l.streams, streamID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	for _, comp := range comps {
		if err := comp.buf.Close(); err != nil {
			l.log.Errorf("failed to close component buffer: %s", err)
		}
	}
	l.notifyStreamsRemoved([]uint32{streamID})
}

func (l *Loopback) SendNonblocking(streamID, componentID uint32, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	comp, err := l.componentLocked(streamID, componentID)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	room := l.sendLimit - comp.pending
	if room <= 0 {
		l.mu.Unlock()
		return 0, ErrWouldBlock
	}

	// Accept a prefix when only part of p fits; the caller's blocking path
	// resumes with the rest once the buffer drains. Headroom is reserved
	// before the buffer write so concurrent senders cannot oversubscribe
	// the component.
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	comp.pending += len(chunk)
	l.mu.Unlock()

	n, err := comp.buf.Write(chunk)
	if err != nil {
		l.mu.Lock()
		comp.pending -= len(chunk) - n
		l.mu.Unlock()
		if errors.Is(err, io.ErrClosedPipe) {
			// The component was torn down between the lookup and the
			// write; report it the same way a missing component is.
			return 0, ErrNotFound
		}
		return n, err
	}
	return n, nil
}

// Recv blocks until a datagram queued on the component can be read into p,
// then wakes any writers blocked on the freed headroom.
func (l *Loopback) Recv(streamID, componentID uint32, p []byte) (int, error) {
	l.mu.Lock()
	comp, err := l.componentLocked(streamID, componentID)
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}

	n, err := comp.buf.Read(p)
	if err != nil {
		return n, err
	}

	// Writable callbacks are delivered under the engine lock. Subscribers
	// must not call back into the engine from them.
	l.mu.Lock()
	comp.pending -= n
	if comp.pending < 0 {
		comp.pending = 0
	}
	l.fireWritable(streamID, componentID)
	l.mu.Unlock()

	return n, nil
}

func (l *Loopback) Component(streamID, componentID uint32) (Component, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	comp, err := l.componentLocked(streamID, componentID)
	if err != nil {
		return Component{}, false
	}
	return Component{
		Writable: comp.pending < l.sendLimit,
		Reset:    comp.reset,
	}, true
}

// Reset trips the component's circuit-reset signal. Idempotent.
func (l *Loopback) Reset(streamID, componentID uint32) {
	l.mu.Lock()
	comp, err := l.componentLocked(streamID, componentID)
	l.mu.Unlock()
	if err != nil {
		return
	}
	comp.resetOnce.Do(func() { close(comp.reset) })
}

func (l *Loopback) OnWritable(streamID, componentID uint32, cb func()) (cancel func()) {
	ep := endpoint{streamID, componentID}

	l.cbMu.Lock()
	id := l.nextCbID
	l.nextCbID++
	cbs, ok := l.writableCbs[ep]
	if !ok {
		cbs = make(map[int]func())
		l.writableCbs[ep] = cbs
	}
	cbs[id] = cb
	l.cbMu.Unlock()

	return func() {
		l.cbMu.Lock()
		defer l.cbMu.Unlock()
		if cbs, ok := l.writableCbs[ep]; ok {
			delete(cbs, id)
			if len(cbs) == 0 {
				delete(l.writableCbs, ep)
			}
		}
	}
}

func (l *Loopback) OnStreamsRemoved(cb func(streamIDs []uint32)) (cancel func()) {
	l.cbMu.Lock()
	id := l.nextCbID
	l.nextCbID++
	l.removedCbs[id] = cb
	l.cbMu.Unlock()

	return func() {
		l.cbMu.Lock()
		defer l.cbMu.Unlock()
		delete(l.removedCbs, id)
	}
}

// Close removes every stream, notifies observers and severs the weak handle.
func (l *Loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	streams := l.streams
	l.streams = make(map[uint32]map[uint32]*loopComponent)
	l.mu.Unlock()

	l.ref.Invalidate()

	removed := make([]uint32, 0, len(streams))
	for id, comps := range streams {
		removed = append(removed, id)
		for _, comp := range comps {
			if err := comp.buf.Close(); err != nil {
				l.log.Errorf("failed to close component buffer: %s", err)
			}
		}
	}
	if len(removed) > 0 {
		l.notifyStreamsRemoved(removed)
	}
}

func (l *Loopback) componentLocked(streamID, componentID uint32) (*loopComponent, error) {
	if l.closed {
		return nil, ErrNotFound
	}
	comps, ok := l.streams[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	comp, ok := comps[componentID]
	if !ok {
		return nil, ErrNotFound
	}
	return comp, nil
}

// fireWritable runs under l.mu.
func (l *Loopback) fireWritable(streamID, componentID uint32) {
	l.cbMu.Lock()
	cbs := make([]func(), 0, len(l.writableCbs[endpoint{streamID, componentID}]))
	for _, cb := range l.writableCbs[endpoint{streamID, componentID}] {
		cbs = append(cbs, cb)
	}
	l.cbMu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// notifyStreamsRemoved runs outside the engine lock so observers may
// deregister from inside the callback.
func (l *Loopback) notifyStreamsRemoved(streamIDs []uint32) {
	l.cbMu.Lock()
	cbs := make([]func([]uint32), 0, len(l.removedCbs))
	for _, cb := range l.removedCbs {
		cbs = append(cbs, cb)
	}
	l.cbMu.Unlock()

	for _, cb := range cbs {
		cb(streamIDs)
	}
}
