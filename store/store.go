// Package store holds the authoritative memory record map and applies the
// crypto engine to every field that crosses the at-rest boundary.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memvault/memvault/codec"
	"github.com/memvault/memvault/crypto"
	"github.com/memvault/memvault/record"
)

// ErrNotFound is returned when a record id is unknown.
var ErrNotFound = errors.New("record not found")

// ErrKeyMismatch is returned when imported records are sealed under a
// different data key than the one currently unwrapped.
var ErrKeyMismatch = errors.New("records sealed under a different key")

// CandidateQuery selects a page of retrieval candidates.
type CandidateQuery struct {
	// Query is an optional raw-text substring filter on decrypted content.
	Query string
	// Limit caps the page size; 0 means no limit.
	Limit int
	// Offset skips the first N matches.
	Offset int
}

// Stats describes the store.
type Stats struct {
	Count int `json:"count"`
}

// Store owns the id-to-record map.
//
// Store is not safe for concurrent use; the facade actor is its sole owner.
type Store struct {
	crypto  *crypto.Engine
	codec   codec.Codec
	logger  *slog.Logger
	now     func() time.Time
	records map[string]*record.LocalMemoryRecord
	rev     uint64
}

// New creates an empty store bound to the given crypto engine.
// A nil logger disables logging; a nil clock uses time.Now.
func New(ce *crypto.Engine, c codec.Codec, logger *slog.Logger, now func() time.Time) *Store {
	if c == nil {
		c = codec.Default
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		crypto:  ce,
		codec:   c,
		logger:  logger,
		now:     now,
		records: make(map[string]*record.LocalMemoryRecord),
	}
}

// Add stores a new memory record, encrypting content and embedding when the
// crypto engine is unlocked.
//
// When locked the record is stored in plaintext. That is an explicit
// degraded mode: the engine stays available, and the condition is logged.
func (s *Store) Add(rec *record.MemoryRecord, embedding []float32) (*record.LocalMemoryRecord, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	if rec.Type != "" && !rec.Type.Valid() {
		return nil, fmt.Errorf("invalid memory type: %q", rec.Type)
	}
	if embedding != nil && len(embedding) != record.EmbeddingDim {
		return nil, fmt.Errorf("embedding dimension %d, want %d", len(embedding), record.EmbeddingDim)
	}

	now := s.now().UTC()

	local := &record.LocalMemoryRecord{MemoryRecord: *rec}
	if local.ID == "" {
		local.ID = ulid.Make().String()
	}
	if local.Type == "" {
		local.Type = record.TypeSemantic
	}
	if local.CreatedAt.IsZero() {
		local.CreatedAt = now
	}
	local.UpdatedAt = now
	if embedding != nil {
		local.Embedding = append([]float32(nil), embedding...)
	}

	s.rev++
	local.LocalRev = s.rev

	// The caller gets the plaintext view; the stored form may be sealed.
	plain := local.Clone()

	if s.crypto != nil && s.crypto.Unlocked() {
		if err := s.seal(local); err != nil {
			return nil, err
		}
	} else {
		s.logger.Warn("crypto locked, storing record in plaintext", "id", local.ID)
	}

	s.records[local.ID] = local
	return plain, nil
}

// seal encrypts content and embedding under the DEK with distinct IVs and
// clears the plaintext fields.
func (s *Store) seal(r *record.LocalMemoryRecord) error {
	contentCipher, contentIV, err := s.crypto.EncryptWithDEK([]byte(r.Content))
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}
	r.EncryptedContent = contentCipher
	r.Content = ""
	r.Encryption = record.EncryptionMeta{
		Encrypted: true,
		ContentIV: contentIV,
		Version:   1,
	}

	if r.Embedding != nil {
		embeddingCipher, embeddingIV, err := s.crypto.EncryptWithDEK(record.EncodeVector(r.Embedding))
		if err != nil {
			return fmt.Errorf("failed to encrypt embedding: %w", err)
		}
		r.EncryptedEmbedding = embeddingCipher
		r.Embedding = nil
		r.Encryption.EmbeddingIV = embeddingIV
	}

	return nil
}

// open decrypts a sealed record into a plaintext clone. The stored record is
// left untouched.
func (s *Store) open(r *record.LocalMemoryRecord) (*record.LocalMemoryRecord, error) {
	cp := r.Clone()
	if !r.Encryption.Encrypted {
		return cp, nil
	}

	content, err := s.crypto.DecryptWithDEK(r.EncryptedContent, r.Encryption.ContentIV)
	if err != nil {
		return nil, err
	}
	cp.Content = string(content)
	cp.EncryptedContent = nil

	if r.EncryptedEmbedding != nil {
		raw, err := s.crypto.DecryptWithDEK(r.EncryptedEmbedding, r.Encryption.EmbeddingIV)
		if err != nil {
			return nil, err
		}
		vec, err := record.DecodeVector(raw)
		if err != nil {
			return nil, err
		}
		cp.Embedding = vec
		cp.EncryptedEmbedding = nil
	}

	cp.Encryption = record.EncryptionMeta{Version: r.Encryption.Version}
	return cp, nil
}

// Get returns a decrypted copy of a record, including tombstoned ones.
// Encrypted records are unreadable while locked.
func (s *Store) Get(id string) (*record.LocalMemoryRecord, error) {
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Encryption.Encrypted && (s.crypto == nil || !s.crypto.Unlocked()) {
		return nil, crypto.ErrLocked
	}
	return s.open(r)
}

// Candidates returns decrypted retrieval candidates.
//
// Tombstoned records are skipped. Encrypted records are invisible while the
// engine is locked: no partially-decrypted data ever leaves the store.
func (s *Store) Candidates(q CandidateQuery) ([]record.Candidate, error) {
	unlocked := s.crypto != nil && s.crypto.Unlocked()
	filter := strings.ToLower(q.Query)

	ids := s.sortedIDs()

	var out []record.Candidate
	skipped := q.Offset
	for _, id := range ids {
		r := s.records[id]
		if r.IsDeleted() {
			continue
		}
		if r.Encryption.Encrypted && !unlocked {
			continue
		}

		open, err := s.open(r)
		if err != nil {
			return nil, err
		}

		if filter != "" && !strings.Contains(strings.ToLower(open.Content), filter) {
			continue
		}

		if skipped > 0 {
			skipped--
			continue
		}

		out = append(out, record.Candidate{
			ID:         open.ID,
			Content:    open.Content,
			Embedding:  open.Embedding,
			Salience:   open.Salience,
			Sensitive:  open.Sensitive,
			LastUsedAt: open.LastUsedAt,
			Cooldown:   open.CooldownUntil,
			CreatedAt:  open.CreatedAt,
		})

		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}

	return out, nil
}

// UpdateUsage records a retrieval hit: the usage counter is set and the
// last-used timestamp advances to now.
func (s *Store) UpdateUsage(id string, count uint64) error {
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now().UTC()
	r.UsageCount = count
	r.LastUsedAt = &now
	r.UpdatedAt = now
	s.rev++
	r.LocalRev = s.rev
	return nil
}

// Delete tombstones a record so the deletion can propagate through sync.
func (s *Store) Delete(id string) error {
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.DeletedAt == nil {
		now := s.now().UTC()
		r.DeletedAt = &now
		r.UpdatedAt = now
		s.rev++
		r.LocalRev = s.rev
	}
	return nil
}

// Upsert replaces a record wholesale, preserving the stored encryption
// state. Used when applying remote sync operations.
func (s *Store) Upsert(r *record.LocalMemoryRecord) {
	s.rev++
	cp := r.Clone()
	cp.LocalRev = s.rev
	s.records[cp.ID] = cp
}

// ApplyRemote installs a plaintext record received from sync, sealing it
// when the engine is unlocked.
func (s *Store) ApplyRemote(r *record.LocalMemoryRecord) error {
	cp := r.Clone()
	if !cp.Encryption.Encrypted && s.crypto != nil && s.crypto.Unlocked() {
		if err := s.seal(cp); err != nil {
			return err
		}
	}
	s.rev++
	cp.LocalRev = s.rev
	s.records[cp.ID] = cp
	return nil
}

// ApplyRemoteDelete tombstones a record id received from sync. Unknown ids
// get a tombstone shell so the deletion survives further propagation.
func (s *Store) ApplyRemoteDelete(id string, when time.Time) {
	r, ok := s.records[id]
	if !ok {
		r = &record.LocalMemoryRecord{MemoryRecord: record.MemoryRecord{ID: id, CreatedAt: when}}
		s.records[id] = r
	}
	if r.DeletedAt == nil {
		t := when
		r.DeletedAt = &t
		r.UpdatedAt = when
	}
	s.rev++
	r.LocalRev = s.rev
}

// SealPlaintext encrypts any record still stored in plaintext and returns
// plaintext clones of the records it sealed. Called after the engine gains
// a DEK so degraded-mode writes do not stay unprotected.
func (s *Store) SealPlaintext() ([]*record.LocalMemoryRecord, error) {
	if s.crypto == nil || !s.crypto.Unlocked() {
		return nil, crypto.ErrLocked
	}
	var sealed []*record.LocalMemoryRecord
	for _, r := range s.records {
		if r.Encryption.Encrypted {
			continue
		}
		plain := r.Clone()
		if err := s.seal(r); err != nil {
			return sealed, err
		}
		sealed = append(sealed, plain)
	}
	return sealed, nil
}

// Len returns the number of records including tombstones.
func (s *Store) Len() int {
	return len(s.records)
}

// Stats counts live (non-tombstoned) records.
func (s *Store) Stats() Stats {
	count := 0
	for _, r := range s.records {
		if !r.IsDeleted() {
			count++
		}
	}
	return Stats{Count: count}
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	// ULIDs sort by creation time; deterministic iteration keeps pagination
	// stable.
	sort.Strings(ids)
	return ids
}
