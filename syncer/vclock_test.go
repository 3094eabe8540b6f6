package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockMergeIdempotent(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 5, "c": 2}

	merged := a.Clone()
	merged.Merge(b)
	assert.Equal(t, VectorClock{"a": 3, "b": 5, "c": 2}, merged)

	again := merged.Clone()
	again.Merge(b)
	assert.Equal(t, merged, again)
}

func TestVectorClockCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"equal", VectorClock{"a": 1}, VectorClock{"a": 1}, OrderEqual},
		{"empty equal", VectorClock{}, VectorClock{}, OrderEqual},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 2}, OrderBefore},
		{"before missing key", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, OrderBefore},
		{"after", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 1}, OrderAfter},
		{"concurrent", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, OrderConcurrent},
		{"zero entries ignored", VectorClock{"a": 1, "b": 0}, VectorClock{"a": 1}, OrderEqual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVectorClockTick(t *testing.T) {
	c := VectorClock{}
	assert.Equal(t, uint64(1), c.Tick("dev"))
	assert.Equal(t, uint64(2), c.Tick("dev"))
	assert.Equal(t, uint64(2), c["dev"])
}

func TestOperationSupersedes(t *testing.T) {
	causal := &Operation{DeviceID: "b", Seq: 2, Clock: VectorClock{"a": 1, "b": 2}}
	assert.True(t, causal.supersedes("a", 1, VectorClock{"a": 1}))
	assert.False(t, causal.supersedes("c", 9, VectorClock{"a": 1, "b": 2, "c": 9}))

	// Concurrent edits: higher seq wins, then higher device id.
	concurrent := &Operation{DeviceID: "b", Seq: 3, Clock: VectorClock{"b": 3}}
	assert.True(t, concurrent.supersedes("a", 2, VectorClock{"a": 2}))
	assert.False(t, concurrent.supersedes("a", 4, VectorClock{"a": 4}))

	tied := &Operation{DeviceID: "b", Seq: 3, Clock: VectorClock{"b": 3}}
	assert.True(t, tied.supersedes("a", 3, VectorClock{"a": 3}))
	assert.False(t, tied.supersedes("z", 3, VectorClock{"z": 3}))
}

func TestOperationSignVerify(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 7

	op := &Operation{
		ID:       "op1",
		DeviceID: "dev",
		Seq:      1,
		Type:     OpUpsert,
		MemoryID: "mem",
		Payload:  []byte("ciphertext"),
		IV:       []byte("iv"),
		Clock:    VectorClock{"dev": 1},
	}
	op.Sign(key)
	assert.NoError(t, op.Verify(key))

	op.Payload[0] ^= 0xff
	assert.ErrorIs(t, op.Verify(key), ErrChecksumMismatch)
	op.Payload[0] ^= 0xff

	other := make([]byte, 32)
	assert.ErrorIs(t, op.Verify(other), ErrChecksumMismatch)
}
