package turnsock

import (
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/stun/v2"

	"github.com/Equod/libnice/relay/dialect"
)

var (
	allocResponseTimeout = 3 * time.Second
	allocRetryInterval   = 500 * time.Millisecond
)

const (
	allocAttempts = 3

	handshakeBufferSize = 1500

	// attrMagicCookie is the legacy MSN magic-cookie attribute, predating
	// the fixed RFC 5389 cookie.
	attrMagicCookie stun.AttrType = 0x000F
)

var (
	turnMagicCookie = []byte{0x72, 0xC6, 0x4B, 0xC6}

	// protocol 17 (UDP) in REQUESTED-TRANSPORT layout
	requestedTransportUDP = []byte{0x11, 0x00, 0x00, 0x00}
)

func (s *Socket) allocate() (*net.UDPAddr, error) {
	switch s.dialect {
	case dialect.DialectTD9:
		return s.allocateTD9()
	case dialect.DialectGoogle, dialect.DialectMSN:
		return s.allocateLegacy()
	default:
		return nil, fmt.Errorf("%w: %d", dialect.ErrUnknownDialect, s.dialect)
	}
}

// allocateTD9 drives the draft 9 Allocate exchange: an unauthenticated
// request first, then on a 401 challenge a second request carrying the
// realm, nonce and long-term credentials. The relayed address arrives in
// XOR-RELAYED-ADDRESS.
func (s *Socket) allocateTD9() (*net.UDPAddr, error) {
	req, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		stun.NewUsername(string(s.username)),
	)
	if err != nil {
		return nil, fmt.Errorf("build allocate request: %w", err)
	}
	req.Add(stun.AttrRequestedTransport, requestedTransportUDP)

	resp, err := s.exchange(req)
	if err != nil {
		return nil, err
	}

	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("allocation rejected without error code: %w", err)
		}
		if code.Code != stun.CodeUnauthorized {
			return nil, fmt.Errorf("allocation rejected: %d %s", code.Code, code.Reason)
		}

		resp, err = s.authenticatedAllocate(resp)
		if err != nil {
			return nil, err
		}
	}

	var relayed stun.XORMappedAddress
	if err := relayed.GetFromAs(resp, stun.AttrXORRelayedAddress); err != nil {
		return nil, fmt.Errorf("allocate reply carries no relayed address: %w", err)
	}
	return &net.UDPAddr{IP: relayed.IP, Port: relayed.Port}, nil
}

func (s *Socket) authenticatedAllocate(challenge *stun.Message) (*stun.Message, error) {
	var realm stun.Realm
	if err := realm.GetFrom(challenge); err != nil {
		return nil, fmt.Errorf("auth challenge carries no realm: %w", err)
	}
	var nonce stun.Nonce
	if err := nonce.GetFrom(challenge); err != nil {
		return nil, fmt.Errorf("auth challenge carries no nonce: %w", err)
	}

	req, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		stun.NewUsername(string(s.username)),
		realm,
		nonce,
	)
	if err != nil {
		return nil, fmt.Errorf("build authenticated allocate request: %w", err)
	}
	req.Add(stun.AttrRequestedTransport, requestedTransportUDP)

	integrity := stun.NewLongTermIntegrity(string(s.username), realm.String(), string(s.password))
	if err := integrity.AddTo(req); err != nil {
		return nil, fmt.Errorf("sign allocate request: %w", err)
	}

	resp, err := s.exchange(req)
	if err != nil {
		return nil, err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("allocation rejected without error code: %w", err)
		}
		return nil, fmt.Errorf("allocation rejected: %d %s", code.Code, code.Reason)
	}
	return resp, nil
}

// allocateLegacy drives the pre-draft allocate used by the Google and MSN
// dialects: a single request round, USERNAME always present, the MSN variant
// additionally carrying the legacy magic cookie and short-term integrity.
// The relayed address arrives in plain MAPPED-ADDRESS.
func (s *Socket) allocateLegacy() (*net.UDPAddr, error) {
	req, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		stun.NewUsername(string(s.username)),
	)
	if err != nil {
		return nil, fmt.Errorf("build allocate request: %w", err)
	}

	if s.dialect == dialect.DialectMSN {
		req.Add(attrMagicCookie, turnMagicCookie)
		integrity := stun.NewShortTermIntegrity(string(s.password))
		if err := integrity.AddTo(req); err != nil {
			return nil, fmt.Errorf("sign allocate request: %w", err)
		}
	}

	resp, err := s.exchange(req)
	if err != nil {
		return nil, err
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("allocation rejected without error code: %w", err)
		}
		return nil, fmt.Errorf("allocation rejected: %d %s", code.Code, code.Reason)
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("allocate reply carries no mapped address: %w", err)
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

// exchange retransmits req on a fixed interval until a matching response
// arrives or the attempt budget is spent. The transaction ID is reused
// across retransmits; per-attempt failures are aggregated into the returned
// error.
func (s *Socket) exchange(req *stun.Message) (*stun.Message, error) {
	var resp *stun.Message
	var attemptErrs error

	op := func() error {
		r, err := s.roundTrip(req)
		if err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)
			return err
		}
		resp = r
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(allocRetryInterval), allocAttempts-1)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, attemptErrs
	}
	return resp, nil
}

func (s *Socket) roundTrip(req *stun.Message) (*stun.Message, error) {
	if _, err := s.conn.WriteTo(req.Raw, s.serverAddr); err != nil {
		return nil, fmt.Errorf("send allocate request: %w", err)
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(allocResponseTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			s.log.Errorf("failed to reset read deadline: %s", err)
		}
	}()

	buf := make([]byte, handshakeBufferSize)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read allocate response: %w", err)
		}
		if !sentByServer(from, s.serverAddr) {
			s.log.Debugf("dropping handshake datagram from unexpected sender %s", from)
			continue
		}

		resp := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
		if err := resp.Decode(); err != nil {
			s.log.Debugf("dropping undecodable handshake datagram: %s", err)
			continue
		}
		if resp.TransactionID != req.TransactionID {
			continue
		}
		return resp, nil
	}
}

func sentByServer(from net.Addr, server *net.UDPAddr) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	return udp.IP.Equal(server.IP) && udp.Port == server.Port
}
