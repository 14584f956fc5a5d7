package pgstore

import (
	"fmt"

	"github.com/klauspost/compress/s2"
)

// Magic prefix bytes discriminating encoded object state: rawMagic means the
// remaining bytes are the literal state; compressedMagic means they are an
// s2 block that decodes to the literal state. Exactly one byte of overhead.
const (
	rawMagic        byte = 0x00
	compressedMagic byte = 0x01
)

// encodeState applies the compression-threshold rule from the component
// design: states at or under threshold bytes are stored raw (with a marker
// byte, so the threshold is mechanical rather than a guess at decode time).
func encodeState(state []byte, threshold int64) []byte {
	if int64(len(state)) <= threshold {
		out := make([]byte, 1+len(state))
		out[0] = rawMagic
		copy(out[1:], state)
		return out
	}
	compressed := s2.Encode(nil, state)
	out := make([]byte, 1+len(compressed))
	out[0] = compressedMagic
	copy(out[1:], compressed)
	return out
}

// decodeState reverses encodeState, using the magic prefix to know whether
// to pass the remainder through s2 or return it unmodified.
func decodeState(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	magic, payload := encoded[0], encoded[1:]
	switch magic {
	case rawMagic:
		return payload, nil
	case compressedMagic:
		decoded, err := s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("pgstore: decode compressed state: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("pgstore: unknown state encoding magic byte %#x", magic)
	}
}
