package syncer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// OperationType names a replicated mutation.
type OperationType string

const (
	OpUpsert OperationType = "upsert"
	OpDelete OperationType = "delete"
)

// ErrChecksumMismatch is returned when an operation's HMAC does not verify.
var ErrChecksumMismatch = errors.New("operation checksum mismatch")

// Operation is one entry in the replicated op log. Payload is AEAD
// ciphertext under the user's DEK; Checksum is an HMAC over the sealed
// fields so tampering is detected before any decryption is attempted.
type Operation struct {
	ID        string        `json:"id"`
	DeviceID  string        `json:"device_id"`
	Seq       uint64        `json:"seq"`
	Type      OperationType `json:"type"`
	MemoryID  string        `json:"memory_id"`
	Payload   []byte        `json:"payload,omitempty"`
	IV        []byte        `json:"iv,omitempty"`
	Checksum  []byte        `json:"checksum"`
	Clock     VectorClock   `json:"clock"`
	CreatedAt time.Time     `json:"created_at"`
}

// checksum computes the integrity HMAC for the operation under key.
// It covers identity, ordering, and ciphertext so none can be swapped
// independently.
func (o *Operation) checksum(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(o.DeviceID))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], o.Seq)
	mac.Write(seq[:])
	mac.Write([]byte(o.Type))
	mac.Write([]byte(o.MemoryID))
	mac.Write(o.IV)
	mac.Write(o.Payload)
	return mac.Sum(nil)
}

// Sign sets the operation's checksum.
func (o *Operation) Sign(key []byte) {
	o.Checksum = o.checksum(key)
}

// Verify checks the checksum in constant time.
func (o *Operation) Verify(key []byte) error {
	if !hmac.Equal(o.Checksum, o.checksum(key)) {
		return ErrChecksumMismatch
	}
	return nil
}

// supersedes reports whether o wins last-writer-wins against prev for the
// same memory id. Causal order decides; for concurrent edits the higher
// sequence number wins, then the lexicographically higher device id.
func (o *Operation) supersedes(prevDevice string, prevSeq uint64, prevClock VectorClock) bool {
	switch o.Clock.Compare(prevClock) {
	case OrderAfter:
		return true
	case OrderBefore, OrderEqual:
		return false
	}
	if o.Seq != prevSeq {
		return o.Seq > prevSeq
	}
	return o.DeviceID > prevDevice
}
