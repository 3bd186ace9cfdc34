package dialect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

// Peer address families shared by the Google and MSN envelopes.
const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02

	ipv4Len = 4
	ipv6Len = 16
)

var googleMagic = []byte{0x47, 0x54, 0x52, 0x4E} // "GTRN"

const googleMagicSize = 4

// google frame: magic | family | ip | port | payload
func encodeGoogle(peer *net.UDPAddr, payload []byte) ([]byte, error) {
	family, ip, err := splitIP(peer)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, googleMagicSize+1+len(ip)+2+len(payload))
	buf = append(buf, googleMagic...)
	buf = append(buf, family)
	buf = append(buf, ip...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(peer.Port))
	buf = append(buf, payload...)

	return buf, nil
}

func decodeGoogle(raw []byte) (*net.UDPAddr, []byte, error) {
	if len(raw) < googleMagicSize+1 {
		return nil, nil, fmt.Errorf("%w: short google frame: %d", ErrMalformed, len(raw))
	}
	if !bytes.Equal(raw[:googleMagicSize], googleMagic) {
		return nil, nil, fmt.Errorf("%w: invalid google magic", ErrMalformed)
	}

	ipLen, err := ipLenOf(raw[googleMagicSize])
	if err != nil {
		return nil, nil, err
	}

	rest := raw[googleMagicSize+1:]
	if len(rest) < ipLen+2 {
		return nil, nil, fmt.Errorf("%w: truncated google address", ErrMalformed)
	}

	addr := &net.UDPAddr{
		IP:   append(net.IP{}, rest[:ipLen]...),
		Port: int(binary.BigEndian.Uint16(rest[ipLen : ipLen+2])),
	}
	return addr, rest[ipLen+2:], nil
}

func splitIP(peer *net.UDPAddr) (byte, net.IP, error) {
	if peer == nil {
		return 0, nil, ErrMissingPeer
	}
	if peer.Port < 0 || peer.Port > math.MaxUint16 {
		return 0, nil, fmt.Errorf("%w: peer port %d out of range", ErrMalformed, peer.Port)
	}
	if ip4 := peer.IP.To4(); ip4 != nil {
		return familyIPv4, ip4, nil
	}
	if ip16 := peer.IP.To16(); ip16 != nil {
		return familyIPv6, ip16, nil
	}
	return 0, nil, fmt.Errorf("%w: unusable peer address %s", ErrMalformed, peer)
}

func ipLenOf(family byte) (int, error) {
	switch family {
	case familyIPv4:
		return ipv4Len, nil
	case familyIPv6:
		return ipv6Len, nil
	default:
		return 0, fmt.Errorf("%w: unknown address family 0x%02x", ErrMalformed, family)
	}
}
