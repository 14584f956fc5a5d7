package pgstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStateRoundTripBelowThreshold(t *testing.T) {
	state := bytes.Repeat([]byte("a"), 100)
	encoded := encodeState(state, 1000)
	assert.Equal(t, rawMagic, encoded[0])

	decoded, err := decodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestEncodeStateRoundTripAboveThreshold(t *testing.T) {
	state := bytes.Repeat([]byte("pgjsonb"), 5000)
	encoded := encodeState(state, 100)
	assert.Equal(t, compressedMagic, encoded[0])
	assert.Less(t, len(encoded), len(state), "compressible input should shrink")

	decoded, err := decodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, state, decoded)
}

func TestDecodeStateEmpty(t *testing.T) {
	decoded, err := decodeState(nil)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestDecodeStateUnknownMagic(t *testing.T) {
	_, err := decodeState([]byte{0x7f, 1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeStateThresholdIsInclusive(t *testing.T) {
	state := bytes.Repeat([]byte("x"), 8)
	encoded := encodeState(state, 8)
	assert.Equal(t, rawMagic, encoded[0], "state exactly at threshold should stay raw")
}
