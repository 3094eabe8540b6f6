package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// EmbeddingDim is the fixed dimensionality of memory embeddings.
const EmbeddingDim = 384

// MemoryType classifies a memory record.
type MemoryType string

const (
	// TypeEpisodic marks a memory tied to a specific event or moment.
	TypeEpisodic MemoryType = "episodic"
	// TypeSemantic marks a general fact about the user.
	TypeSemantic MemoryType = "semantic"
	// TypeRelational marks a memory about people and relationships.
	TypeRelational MemoryType = "relational"
	// TypeRitual marks a recurring habit or routine.
	TypeRitual MemoryType = "ritual"
)

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeEpisodic, TypeSemantic, TypeRelational, TypeRitual:
		return true
	}
	return false
}

// MemoryRecord is the caller-facing memory fact.
//
// Records are never deleted in place; DeletedAt is a tombstone so deletions
// can propagate through sync.
type MemoryRecord struct {
	ID            string     `json:"id"`
	Type          MemoryType `json:"memory_type"`
	Content       string     `json:"content,omitempty"`
	Salience      float64    `json:"salience"`
	Sensitive     bool       `json:"sensitive"`
	UsageCount    uint64     `json:"usage_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	TopicTags     []string   `json:"topic_tags,omitempty"`
	Source        string     `json:"source,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the record carries a tombstone.
func (r *MemoryRecord) IsDeleted() bool {
	return r.DeletedAt != nil
}

// EncryptionMeta describes how a LocalMemoryRecord is stored at rest.
type EncryptionMeta struct {
	Encrypted   bool   `json:"encrypted"`
	ContentIV   []byte `json:"content_iv,omitempty"`
	EmbeddingIV []byte `json:"embedding_iv,omitempty"`
	Version     int    `json:"version,omitempty"`
}

// LocalMemoryRecord is the storage-internal extension of MemoryRecord.
//
// Invariant: when Encryption.Encrypted is true, Content and Embedding are
// empty and EncryptedContent/EncryptedEmbedding hold the ciphertext. Exactly
// one representation is valid at a time.
type LocalMemoryRecord struct {
	MemoryRecord

	Embedding          []float32      `json:"embedding,omitempty"`
	EncryptedContent   []byte         `json:"encrypted_content,omitempty"`
	EncryptedEmbedding []byte         `json:"encrypted_embedding,omitempty"`
	LocalRev           uint64         `json:"local_rev"`
	Encryption         EncryptionMeta `json:"encryption_meta"`
}

// Clone returns a deep copy of the record.
func (r *LocalMemoryRecord) Clone() *LocalMemoryRecord {
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.EncryptedContent != nil {
		cp.EncryptedContent = append([]byte(nil), r.EncryptedContent...)
	}
	if r.EncryptedEmbedding != nil {
		cp.EncryptedEmbedding = append([]byte(nil), r.EncryptedEmbedding...)
	}
	if r.TopicTags != nil {
		cp.TopicTags = append([]string(nil), r.TopicTags...)
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		cp.LastUsedAt = &t
	}
	if r.CooldownUntil != nil {
		t := *r.CooldownUntil
		cp.CooldownUntil = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		cp.DeletedAt = &t
	}
	if r.Encryption.ContentIV != nil {
		cp.Encryption.ContentIV = append([]byte(nil), r.Encryption.ContentIV...)
	}
	if r.Encryption.EmbeddingIV != nil {
		cp.Encryption.EmbeddingIV = append([]byte(nil), r.Encryption.EmbeddingIV...)
	}
	return &cp
}

// Candidate is a decrypted retrieval candidate handed to the ranker.
type Candidate struct {
	ID        string
	Content   string
	Embedding []float32

	Salience   float64
	Sensitive  bool
	LastUsedAt *time.Time
	Cooldown   *time.Time
	CreatedAt  time.Time
}

// EncodeVector serializes a float32 vector to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a little-endian byte buffer into a float32 vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector buffer length %d is not a multiple of 4", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
