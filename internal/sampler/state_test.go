package sampler

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReservoirRoundtrip tests encoding and decoding of the reservoir
func TestReservoirRoundtrip(t *testing.T) {
	records := []Record{
		{ExternalID: "65a1f0c2e4b0a1b2c3d4e5f6", Score: 12, Fingerprint: "9f86d081884c7d65", ObservedAt: 1042},
		{ExternalID: "", Score: 0, Fingerprint: "", ObservedAt: 0},
		{ExternalID: "ünïcødé", Score: MaxScore, Fingerprint: "ffffffffffffffff", ObservedAt: ^uint64(0)},
	}

	decoded, err := decodeReservoir(encodeReservoir(records))
	require.NoError(t, err)
	assert.Equal(t, records, decoded)

	empty, err := decodeReservoir(encodeReservoir(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// TestReservoirBinaryFormat tests the binary format structure
func TestReservoirBinaryFormat(t *testing.T) {
	data := encodeReservoir([]Record{{ExternalID: "ab", Score: 7, Fingerprint: "f", ObservedAt: 9}})

	assert.Equal(t, reservoirMagic, string(data[:4]))
	assert.Equal(t, reservoirVersion, data[4])
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(data[5:9]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(data[9:13]))
	assert.Equal(t, "ab", string(data[13:15]))
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(data[15:19]))
	assert.Len(t, data, reservoirHeaderSize+4+2+4+4+1+8+reservoirChecksumSize)
}

func TestReservoirDecodeRejectsDamage(t *testing.T) {
	good := encodeReservoir([]Record{{ExternalID: "id", Score: 1, Fingerprint: "fp", ObservedAt: 3}})

	cases := map[string][]byte{
		"empty":     nil,
		"truncated": good[:len(good)-3],
		"magic":     append([]byte("XXXX"), good[4:]...),
		"version":   append(append([]byte(nil), good[:4]...), append([]byte{9}, good[5:]...)...),
	}
	flipped := append([]byte(nil), good...)
	flipped[10] ^= 0xff
	cases["bitflip"] = flipped

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeReservoir(data)
			assert.Error(t, err)
		})
	}
}

func TestDecodeState(t *testing.T) {
	st := &State{
		Capacity:  2,
		TotalSeen: 3,
		Reservoir: []Record{{ExternalID: "a"}, {ExternalID: "c"}},
		Admin:     "admin",
		Epoch:     4,
	}

	decoded, err := decodeState(encodeState(st))
	require.NoError(t, err)
	assert.Equal(t, st, decoded)
	assert.Equal(t, Stats{TotalSeen: 3, Capacity: 2, Length: 2}, decoded.stats())

	_, err = decodeState(map[string][]byte{})
	assert.ErrorIs(t, err, ErrNotInitialized)

	partial := encodeState(st)
	delete(partial, keyEpoch)
	_, err = decodeState(partial)
	assert.ErrorIs(t, err, ErrCorruptState)

	badWidth := encodeState(st)
	badWidth[keyCapacity] = []byte{1}
	_, err = decodeState(badWidth)
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestStateValidate(t *testing.T) {
	cases := []struct {
		name  string
		state State
		ok    bool
	}{
		{"empty", State{Capacity: 3, Admin: "a"}, true},
		{"filling", State{Capacity: 3, TotalSeen: 2, Reservoir: make([]Record, 2), Admin: "a"}, true},
		{"full", State{Capacity: 3, TotalSeen: 10, Reservoir: make([]Record, 3), Admin: "a"}, true},
		{"over capacity", State{Capacity: 1, TotalSeen: 2, Reservoir: make([]Record, 2), Admin: "a"}, false},
		{"count below length", State{Capacity: 3, TotalSeen: 1, Reservoir: make([]Record, 2), Admin: "a"}, false},
		{"gap while filling", State{Capacity: 3, TotalSeen: 2, Reservoir: make([]Record, 1), Admin: "a"}, false},
		{"not full past capacity", State{Capacity: 3, TotalSeen: 4, Reservoir: make([]Record, 2), Admin: "a"}, false},
		{"no admin", State{Capacity: 3}, false},
		{"zero capacity", State{Admin: "a"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.state.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrCorruptState)
			}
		})
	}
}
