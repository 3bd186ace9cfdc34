// Package turnsock tunnels UDP datagrams through a TURN-style relay server
// speaking one of the legacy wire dialects. A socket owns its UDP descriptor
// and exactly one allocation; the dialect is fixed for the socket's whole
// lifetime.
package turnsock

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Equod/libnice/relay/dialect"
)

// AllocationError reports a failed allocation handshake. It is terminal for
// the socket being constructed: no usable socket exists after it.
type AllocationError struct {
	Dialect dialect.Dialect
	Err     error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("relay allocation failed (%s): %v", e.Dialect, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Socket relays datagrams through a single server-side allocation. Outgoing
// payloads are always enveloped and written to the relay server, never to
// the destination peer directly; incoming datagrams are unwrapped with
// Parse.
type Socket struct {
	log        *log.Entry
	conn       net.PacketConn
	serverAddr *net.UDPAddr
	dialect    dialect.Dialect
	username   []byte
	password   []byte

	// assigned exactly once on handshake success, immutable afterwards
	relayedAddr *net.UDPAddr

	mu     sync.Mutex
	closed bool
}

// New performs the dialect-specific allocation handshake on conn and returns
// a socket bound to the resulting allocation. The socket takes ownership of
// conn. Any handshake failure yields an *AllocationError and no socket.
func New(conn net.PacketConn, serverAddr *net.UDPAddr, username, password string, d dialect.Dialect) (*Socket, error) {
	if conn == nil {
		return nil, errors.New("nil transport socket")
	}
	if serverAddr == nil {
		return nil, errors.New("nil relay server address")
	}

	s := &Socket{
		log: log.WithFields(log.Fields{
			"dialect": d.String(),
			"server":  serverAddr.String(),
		}),
		conn:       conn,
		serverAddr: serverAddr,
		dialect:    d,
	}

	switch d {
	case dialect.DialectMSN:
		// MSN deployments hand out base64 credentials.
		var err error
		if s.username, err = base64.StdEncoding.DecodeString(username); err != nil {
			return nil, &AllocationError{Dialect: d, Err: fmt.Errorf("decode username: %w", err)}
		}
		if s.password, err = base64.StdEncoding.DecodeString(password); err != nil {
			return nil, &AllocationError{Dialect: d, Err: fmt.Errorf("decode password: %w", err)}
		}
	case dialect.DialectGoogle:
		// The server identifies the allocation by username and ignores the
		// password entirely.
		s.username = []byte(username)
	default:
		s.username = []byte(username)
		s.password = []byte(password)
	}

	relayed, err := s.allocate()
	if err != nil {
		return nil, &AllocationError{Dialect: d, Err: err}
	}
	s.relayedAddr = relayed
	s.log.Infof("relay allocation ready, relayed address %s", relayed)

	return s, nil
}

// Send wraps payload in the active dialect's envelope and writes it to the
// relay server for delivery to dst. The reported count is payload bytes, not
// envelope bytes.
func (s *Socket) Send(payload []byte, dst *net.UDPAddr) (int, error) {
	if s.isClosed() {
		return 0, net.ErrClosed
	}

	frame, err := dialect.Encode(s.dialect, dst, payload)
	if err != nil {
		return 0, err
	}

	if _, err := s.conn.WriteTo(frame, s.serverAddr); err != nil {
		return 0, fmt.Errorf("write to relay server: %w", err)
	}
	return len(payload), nil
}

// Parse strips the dialect envelope from a received datagram and returns the
// inner payload plus the origin peer address, where the dialect carries one.
// It is a pure function of the socket's dialect and raw; a failure is
// per-packet and leaves the socket usable.
func (s *Socket) Parse(raw []byte) (*net.UDPAddr, []byte, error) {
	return dialect.Decode(s.dialect, raw)
}

// RelayedAddr returns the server-assigned relayed transport address.
func (s *Socket) RelayedAddr() *net.UDPAddr {
	return s.relayedAddr
}

// Dialect returns the wire dialect the socket was constructed with.
func (s *Socket) Dialect() dialect.Dialect {
	return s.dialect
}

// LocalAddr returns the local address of the underlying UDP descriptor.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the underlying UDP descriptor. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.conn.Close()
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
