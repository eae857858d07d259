package sampler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/deepaksharma/negative-reservoir/internal/auth"
)

// Record is one sampled event. It is never modified after admission.
type Record struct {
	ExternalID  string `json:"external_id"`
	Score       uint32 `json:"score"`
	Fingerprint string `json:"content_fingerprint"`
	ObservedAt  uint64 `json:"observed_at"`
}

// State is the full persisted sampler state.
type State struct {
	Capacity  uint32
	TotalSeen uint64
	Reservoir []Record
	Admin     auth.Identity

	// Epoch counts successful resets; it salts the reset challenge.
	Epoch uint64
}

// Stats is the get_stats view of the state.
type Stats struct {
	TotalSeen uint64 `json:"total_seen"`
	Capacity  uint32 `json:"capacity"`
	Length    uint32 `json:"current_length"`
}

// Storage keys. Each piece of state is its own key so that a submit rewrites
// only the counter and the reservoir.
const (
	keyAdmin     = "admin"
	keyCapacity  = "capacity"
	keyTotalSeen = "total_seen"
	keyReservoir = "reservoir"
	keyEpoch     = "epoch"
)

var stateKeys = []string{keyAdmin, keyCapacity, keyTotalSeen, keyReservoir, keyEpoch}

// Reservoir wire format:
// - Magic (4 bytes): "NRSV"
// - Version (1 byte): 1
// - Count (4 bytes)
// - Records, each:
//   - ExternalID length (4 bytes) + bytes
//   - Score (4 bytes)
//   - Fingerprint length (4 bytes) + bytes
//   - ObservedAt (8 bytes)
// - Checksum (8 bytes): xxhash64 of everything before it
const (
	reservoirMagic   = "NRSV"
	reservoirVersion = byte(1)

	reservoirHeaderSize   = 4 + 1 + 4
	reservoirChecksumSize = 8
)

var errShortBuffer = errors.New("truncated reservoir")

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint32(raw []byte) (uint32, error) {
	if len(raw) != 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

func decodeUint64(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", errShortBuffer
	}
	if int64(n) > int64(r.Len()) {
		return "", errShortBuffer
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errShortBuffer
	}
	return string(b), nil
}

// encodeReservoir serializes records in slot order.
func encodeReservoir(records []Record) []byte {
	size := reservoirHeaderSize + reservoirChecksumSize
	for _, r := range records {
		size += 4 + len(r.ExternalID) + 4 + 4 + len(r.Fingerprint) + 8
	}

	buf := bytes.NewBuffer(make([]byte, 0, size))
	buf.WriteString(reservoirMagic)
	buf.WriteByte(reservoirVersion)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(records)))

	for _, r := range records {
		writeString(buf, r.ExternalID)
		_ = binary.Write(buf, binary.BigEndian, r.Score)
		writeString(buf, r.Fingerprint)
		_ = binary.Write(buf, binary.BigEndian, r.ObservedAt)
	}

	_ = binary.Write(buf, binary.BigEndian, xxhash.Sum64(buf.Bytes()))
	return buf.Bytes()
}

// decodeReservoir parses the output of encodeReservoir.
func decodeReservoir(data []byte) ([]Record, error) {
	if len(data) < reservoirHeaderSize+reservoirChecksumSize {
		return nil, errShortBuffer
	}
	if string(data[:4]) != reservoirMagic {
		return nil, fmt.Errorf("invalid magic bytes %q", data[:4])
	}
	if data[4] != reservoirVersion {
		return nil, fmt.Errorf("unsupported reservoir version %d", data[4])
	}

	body := data[:len(data)-reservoirChecksumSize]
	want := binary.BigEndian.Uint64(data[len(data)-reservoirChecksumSize:])
	if got := xxhash.Sum64(body); got != want {
		return nil, fmt.Errorf("reservoir checksum mismatch: %x != %x", got, want)
	}

	count := binary.BigEndian.Uint32(body[5:9])
	r := bytes.NewReader(body[reservoirHeaderSize:])

	// Each record needs at least 20 bytes; reject impossible counts before
	// allocating.
	if int64(count)*20 > int64(r.Len()) {
		return nil, errShortBuffer
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec Record
		var err error
		if rec.ExternalID, err = readString(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &rec.Score); err != nil {
			return nil, errShortBuffer
		}
		if rec.Fingerprint, err = readString(r); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &rec.ObservedAt); err != nil {
			return nil, errShortBuffer
		}
		records = append(records, rec)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after reservoir", r.Len())
	}
	return records, nil
}

// encodeState produces the full batch written by Initialize.
func encodeState(st *State) map[string][]byte {
	return map[string][]byte{
		keyAdmin:     []byte(st.Admin),
		keyCapacity:  encodeUint32(st.Capacity),
		keyTotalSeen: encodeUint64(st.TotalSeen),
		keyReservoir: encodeReservoir(st.Reservoir),
		keyEpoch:     encodeUint64(st.Epoch),
	}
}

// decodeState rebuilds State from the loaded keys. It returns
// ErrNotInitialized when nothing is stored and ErrCorruptState when only part
// of the state is present or an invariant does not hold.
func decodeState(values map[string][]byte) (*State, error) {
	if len(values) == 0 {
		return nil, ErrNotInitialized
	}
	for _, k := range stateKeys {
		if _, ok := values[k]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrCorruptState, k)
		}
	}

	st := &State{Admin: auth.Identity(values[keyAdmin])}
	var err error
	if st.Capacity, err = decodeUint32(values[keyCapacity]); err != nil {
		return nil, fmt.Errorf("%w: capacity: %v", ErrCorruptState, err)
	}
	if st.TotalSeen, err = decodeUint64(values[keyTotalSeen]); err != nil {
		return nil, fmt.Errorf("%w: total_seen: %v", ErrCorruptState, err)
	}
	if st.Epoch, err = decodeUint64(values[keyEpoch]); err != nil {
		return nil, fmt.Errorf("%w: epoch: %v", ErrCorruptState, err)
	}
	if st.Reservoir, err = decodeReservoir(values[keyReservoir]); err != nil {
		return nil, fmt.Errorf("%w: reservoir: %v", ErrCorruptState, err)
	}

	if err := st.validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// validate checks the reservoir invariants.
func (st *State) validate() error {
	length := uint64(len(st.Reservoir))
	switch {
	case st.Admin == "":
		return fmt.Errorf("%w: empty admin", ErrCorruptState)
	case st.Capacity == 0:
		return fmt.Errorf("%w: zero capacity", ErrCorruptState)
	case length > uint64(st.Capacity):
		return fmt.Errorf("%w: %d records exceed capacity %d", ErrCorruptState, length, st.Capacity)
	case st.TotalSeen < length:
		return fmt.Errorf("%w: total_seen %d below reservoir length %d", ErrCorruptState, st.TotalSeen, length)
	case st.TotalSeen <= uint64(st.Capacity) && st.TotalSeen != length:
		return fmt.Errorf("%w: reservoir length %d should equal total_seen %d", ErrCorruptState, length, st.TotalSeen)
	case st.TotalSeen > uint64(st.Capacity) && length != uint64(st.Capacity):
		return fmt.Errorf("%w: reservoir length %d should equal capacity %d", ErrCorruptState, length, st.Capacity)
	}
	return nil
}

func (st *State) stats() Stats {
	return Stats{
		TotalSeen: st.TotalSeen,
		Capacity:  st.Capacity,
		Length:    uint32(len(st.Reservoir)),
	}
}
