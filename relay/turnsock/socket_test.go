package turnsock

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Equod/libnice/relay/dialect"
)

var testRelayedAddr = &net.UDPAddr{IP: net.ParseIP("198.51.100.3").To4(), Port: 49152}

func newServerConn(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func newClientConn(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// serveAllocations answers STUN requests on conn until handle reports it is
// done. Undecodable datagrams are ignored, mirroring a real server.
func serveAllocations(t *testing.T, conn *net.UDPConn, handle func(step int, req *stun.Message) (*stun.Message, bool)) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		step := 0
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte{}, buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}

			resp, done := handle(step, req)
			step++
			if resp != nil {
				if _, err := conn.WriteToUDP(resp.Raw, from); err != nil {
					t.Errorf("server write failed: %v", err)
					return
				}
			}
			if done {
				return
			}
		}
	}()
}

func successResponse(t *testing.T, req *stun.Message, setRelayed func(*stun.Message)) *stun.Message {
	t.Helper()
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
	)
	if err != nil {
		t.Errorf("failed to build response: %v", err)
		return nil
	}
	setRelayed(resp)
	return resp
}

func TestAllocateTD9(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(step int, req *stun.Message) (*stun.Message, bool) {
		switch step {
		case 0:
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
				stun.CodeUnauthorized,
				stun.NewRealm("example.org"),
				stun.NewNonce("obMatJos2AAACf//499k954d6OL34oL9FSTvy64sA"),
			)
			if err != nil {
				t.Errorf("failed to build challenge: %v", err)
				return nil, true
			}
			return resp, false
		default:
			if !req.Contains(stun.AttrMessageIntegrity) {
				t.Errorf("authenticated allocate carries no message integrity")
			}
			if !req.Contains(stun.AttrUsername) {
				t.Errorf("authenticated allocate carries no username")
			}
			resp := successResponse(t, req, func(m *stun.Message) {
				relayed := &stun.XORMappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
				if err := relayed.AddToAs(m, stun.AttrXORRelayedAddress); err != nil {
					t.Errorf("failed to add relayed address: %v", err)
				}
			})
			return resp, true
		}
	})

	sock, err := New(newClientConn(t), serverAddr, "alice", "secret", dialect.DialectTD9)
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()

	require.NotNil(t, sock.RelayedAddr())
	assert.True(t, sock.RelayedAddr().IP.Equal(testRelayedAddr.IP))
	assert.Equal(t, testRelayedAddr.Port, sock.RelayedAddr().Port)
	assert.Equal(t, dialect.DialectTD9, sock.Dialect())
}

func TestAllocateGoogle(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		if !req.Contains(stun.AttrUsername) {
			t.Errorf("allocate carries no username")
		}
		resp := successResponse(t, req, func(m *stun.Message) {
			mapped := &stun.MappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
			if err := mapped.AddTo(m); err != nil {
				t.Errorf("failed to add mapped address: %v", err)
			}
		})
		return resp, true
	})

	sock, err := New(newClientConn(t), serverAddr, "alice", "ignored", dialect.DialectGoogle)
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()

	require.NotNil(t, sock.RelayedAddr())
	assert.True(t, sock.RelayedAddr().IP.Equal(testRelayedAddr.IP))
	assert.Equal(t, testRelayedAddr.Port, sock.RelayedAddr().Port)
}

func TestAllocateMSN(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		if _, err := req.Get(attrMagicCookie); err != nil {
			t.Errorf("msn allocate carries no magic cookie: %v", err)
		}
		if !req.Contains(stun.AttrMessageIntegrity) {
			t.Errorf("msn allocate carries no message integrity")
		}
		resp := successResponse(t, req, func(m *stun.Message) {
			mapped := &stun.MappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
			if err := mapped.AddTo(m); err != nil {
				t.Errorf("failed to add mapped address: %v", err)
			}
		})
		return resp, true
	})

	username := base64.StdEncoding.EncodeToString([]byte("alice"))
	password := base64.StdEncoding.EncodeToString([]byte("secret"))
	sock, err := New(newClientConn(t), serverAddr, username, password, dialect.DialectMSN)
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()

	require.NotNil(t, sock.RelayedAddr())
}

func TestAllocateMSNBadCredentialEncoding(t *testing.T) {
	_, serverAddr := newServerConn(t)

	_, err := New(newClientConn(t), serverAddr, "not base64 !!", "also not", dialect.DialectMSN)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, dialect.DialectMSN, allocErr.Dialect)
}

func TestAllocateRejected(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
			stun.CodeForbidden,
		)
		if err != nil {
			t.Errorf("failed to build response: %v", err)
			return nil, true
		}
		return resp, true
	})

	_, err := New(newClientConn(t), serverAddr, "alice", "secret", dialect.DialectGoogle)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
}

func TestAllocateTimeout(t *testing.T) {
	oldTimeout, oldInterval := allocResponseTimeout, allocRetryInterval
	allocResponseTimeout, allocRetryInterval = 100*time.Millisecond, 10*time.Millisecond
	defer func() { allocResponseTimeout, allocRetryInterval = oldTimeout, oldInterval }()

	// Nothing listens on the server side of this conversation.
	_, serverAddr := newServerConn(t)

	_, err := New(newClientConn(t), serverAddr, "alice", "secret", dialect.DialectTD9)
	var allocErr *AllocationError
	require.ErrorAs(t, err, &allocErr)
}

func TestSendEnvelopesToServer(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		resp := successResponse(t, req, func(m *stun.Message) {
			mapped := &stun.MappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
			if err := mapped.AddTo(m); err != nil {
				t.Errorf("failed to add mapped address: %v", err)
			}
		})
		return resp, true
	})

	sock, err := New(newClientConn(t), serverAddr, "alice", "", dialect.DialectGoogle)
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()

	payload := []byte("media packet")
	dst := &net.UDPAddr{IP: net.ParseIP("192.0.2.99").To4(), Port: 7000}

	n, err := sock.Send(payload, dst)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// The datagram must arrive at the relay server, enveloped, with the
	// final destination inside the header.
	require.NoError(t, serverConn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 1500)
	rn, _, err := serverConn.ReadFromUDP(buf)
	require.NoError(t, err)

	peer, inner, err := dialect.Decode(dialect.DialectGoogle, buf[:rn])
	require.NoError(t, err)
	assert.Equal(t, payload, inner)
	require.NotNil(t, peer)
	assert.True(t, peer.IP.Equal(dst.IP))
	assert.Equal(t, dst.Port, peer.Port)
}

func TestParseFailureLeavesSocketUsable(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		resp := successResponse(t, req, func(m *stun.Message) {
			mapped := &stun.MappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
			if err := mapped.AddTo(m); err != nil {
				t.Errorf("failed to add mapped address: %v", err)
			}
		})
		return resp, true
	})

	sock, err := New(newClientConn(t), serverAddr, "alice", "", dialect.DialectGoogle)
	require.NoError(t, err)
	defer func() { _ = sock.Close() }()

	_, _, err = sock.Parse([]byte("junk that is no frame"))
	require.ErrorIs(t, err, dialect.ErrMalformed)

	// The socket survives a malformed datagram.
	frame, err := dialect.Encode(dialect.DialectGoogle, testRelayedAddr, []byte("ok"))
	require.NoError(t, err)
	peer, inner, err := sock.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), inner)
	require.NotNil(t, peer)

	_, err = sock.Send([]byte("still alive"), testRelayedAddr)
	require.NoError(t, err)
}

func TestSendAfterClose(t *testing.T) {
	serverConn, serverAddr := newServerConn(t)

	serveAllocations(t, serverConn, func(_ int, req *stun.Message) (*stun.Message, bool) {
		resp := successResponse(t, req, func(m *stun.Message) {
			mapped := &stun.MappedAddress{IP: testRelayedAddr.IP, Port: testRelayedAddr.Port}
			if err := mapped.AddTo(m); err != nil {
				t.Errorf("failed to add mapped address: %v", err)
			}
		})
		return resp, true
	})

	sock, err := New(newClientConn(t), serverAddr, "alice", "", dialect.DialectGoogle)
	require.NoError(t, err)

	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())

	_, err = sock.Send([]byte("x"), testRelayedAddr)
	require.ErrorIs(t, err, net.ErrClosed)
}
