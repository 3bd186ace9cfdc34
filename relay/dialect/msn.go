package dialect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

var msnMagic = []byte{0x4D, 0x53, 0x4E, 0x50} // "MSNP"

const msnMagicSize = 4

// msn frame: magic | port | family | ip | payload. Same shape as the google
// envelope but a different magic and address field order; the two must never
// decode interchangeably.
func encodeMSN(peer *net.UDPAddr, payload []byte) ([]byte, error) {
	family, ip, err := splitIP(peer)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, msnMagicSize+2+1+len(ip)+len(payload))
	buf = append(buf, msnMagic...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(peer.Port))
	buf = append(buf, family)
	buf = append(buf, ip...)
	buf = append(buf, payload...)

	return buf, nil
}

func decodeMSN(raw []byte) (*net.UDPAddr, []byte, error) {
	if len(raw) < msnMagicSize+3 {
		return nil, nil, fmt.Errorf("%w: short msn frame: %d", ErrMalformed, len(raw))
	}
	if !bytes.Equal(raw[:msnMagicSize], msnMagic) {
		return nil, nil, fmt.Errorf("%w: invalid msn magic", ErrMalformed)
	}

	port := int(binary.BigEndian.Uint16(raw[msnMagicSize : msnMagicSize+2]))
	ipLen, err := ipLenOf(raw[msnMagicSize+2])
	if err != nil {
		return nil, nil, err
	}

	rest := raw[msnMagicSize+3:]
	if len(rest) < ipLen {
		return nil, nil, fmt.Errorf("%w: truncated msn address", ErrMalformed)
	}

	addr := &net.UDPAddr{
		IP:   append(net.IP{}, rest[:ipLen]...),
		Port: port,
	}
	return addr, rest[ipLen:], nil
}
