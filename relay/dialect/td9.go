package dialect

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// td9Tag sits in the channel-data number range reserved by the draft.
	td9Tag uint16 = 0x4009

	td9HeaderSize = 4
)

func encodeTD9(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: payload too large: %d", ErrMalformed, len(payload))
	}

	buf := make([]byte, td9HeaderSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], td9Tag)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[td9HeaderSize:], payload)

	return buf, nil
}

func decodeTD9(raw []byte) ([]byte, error) {
	if len(raw) < td9HeaderSize {
		return nil, fmt.Errorf("%w: short td9 frame: %d", ErrMalformed, len(raw))
	}
	if binary.BigEndian.Uint16(raw[0:2]) != td9Tag {
		return nil, fmt.Errorf("%w: invalid td9 tag", ErrMalformed)
	}

	length := int(binary.BigEndian.Uint16(raw[2:4]))
	if len(raw) < td9HeaderSize+length {
		return nil, fmt.Errorf("%w: td9 length %d exceeds frame", ErrMalformed, length)
	}

	return raw[td9HeaderSize : td9HeaderSize+length], nil
}
