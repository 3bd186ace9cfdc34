// Package dialect implements the legacy relay framing formats used to tunnel
// datagrams through a relay server. The set of dialects is closed: a socket
// commits to one dialect at construction and decoding never falls back to
// another dialect on failure.
package dialect

import (
	"errors"
	"fmt"
	"net"
)

const (
	DialectUnknown Dialect = iota
	// DialectTD9 is the TURN draft 9 framing. The envelope carries a tag and
	// a payload length but no peer address: the allocation is strictly
	// point-to-point.
	DialectTD9
	// DialectGoogle is the legacy Google relay framing. The envelope embeds
	// the remote peer address, so one allocation can demultiplex several
	// peers.
	DialectGoogle
	// DialectMSN is the legacy MSN relay framing. Structurally close to
	// DialectGoogle but with a distinct magic value and field ordering.
	DialectMSN
)

var (
	ErrMalformed      = errors.New("malformed relay frame")
	ErrUnknownDialect = errors.New("unknown relay dialect")
	ErrMissingPeer    = errors.New("dialect requires a peer address")
)

type Dialect int

func (d Dialect) String() string {
	switch d {
	case DialectTD9:
		return "td9"
	case DialectGoogle:
		return "google"
	case DialectMSN:
		return "msn"
	default:
		return "unknown"
	}
}

// HasPeerAddress reports whether the dialect's envelope embeds the remote
// peer address.
func (d Dialect) HasPeerAddress() bool {
	return d == DialectGoogle || d == DialectMSN
}

// Encode wraps payload in the dialect's relay envelope. For DialectGoogle and
// DialectMSN the peer address is written into the header; DialectTD9 ignores
// it.
func Encode(d Dialect, peer *net.UDPAddr, payload []byte) ([]byte, error) {
	switch d {
	case DialectTD9:
		return encodeTD9(payload)
	case DialectGoogle:
		return encodeGoogle(peer, payload)
	case DialectMSN:
		return encodeMSN(peer, payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDialect, d)
	}
}

// Decode strips the dialect's relay envelope from raw and returns the inner
// payload together with the embedded peer address, or a nil address for
// DialectTD9. A decode failure wraps ErrMalformed and is per-packet: the
// caller drops the datagram and carries on.
func Decode(d Dialect, raw []byte) (*net.UDPAddr, []byte, error) {
	switch d {
	case DialectTD9:
		payload, err := decodeTD9(raw)
		return nil, payload, err
	case DialectGoogle:
		return decodeGoogle(raw)
	case DialectMSN:
		return decodeMSN(raw)
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownDialect, d)
	}
}
