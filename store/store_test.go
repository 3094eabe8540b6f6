package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memvault/memvault/blobstore"
	"github.com/memvault/memvault/crypto"
	"github.com/memvault/memvault/record"
)

func unlockedEngine(t *testing.T) *crypto.Engine {
	t.Helper()
	ce := crypto.New()
	require.NoError(t, ce.SetupEncryption("test-passphrase"))
	return ce
}

func testVec(seed float32) []float32 {
	v := make([]float32, record.EmbeddingDim)
	v[0] = seed
	v[1] = 1 - seed
	return v
}

func TestStoreAddEncryptsAtRest(t *testing.T) {
	ce := unlockedEngine(t)
	s := New(ce, nil, nil, nil)

	added, err := s.Add(&record.MemoryRecord{
		Type:     record.TypeEpisodic,
		Content:  "coffee with Sam on Tuesday",
		Salience: 0.8,
	}, testVec(0.3))
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)

	// Stored form must not contain plaintext.
	stored := s.records[added.ID]
	assert.Empty(t, stored.Content)
	assert.Nil(t, stored.Embedding)
	assert.True(t, stored.Encryption.Encrypted)
	assert.NotEmpty(t, stored.EncryptedContent)
	assert.NotEmpty(t, stored.EncryptedEmbedding)
	assert.NotEqual(t, stored.Encryption.ContentIV, stored.Encryption.EmbeddingIV)

	got, err := s.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "coffee with Sam on Tuesday", got.Content)
	assert.Equal(t, testVec(0.3), got.Embedding)
}

func TestStoreAddPlaintextWhenLocked(t *testing.T) {
	ce := unlockedEngine(t)
	ce.Lock()
	s := New(ce, nil, nil, nil)

	added, err := s.Add(&record.MemoryRecord{Content: "plain"}, nil)
	require.NoError(t, err)

	stored := s.records[added.ID]
	assert.False(t, stored.Encryption.Encrypted)
	assert.Equal(t, "plain", stored.Content)
}

func TestStoreEncryptedInvisibleWhileLocked(t *testing.T) {
	ce := unlockedEngine(t)
	s := New(ce, nil, nil, nil)

	added, err := s.Add(&record.MemoryRecord{Content: "secret"}, testVec(0.5))
	require.NoError(t, err)

	ce.Lock()

	_, err = s.Get(added.ID)
	assert.ErrorIs(t, err, crypto.ErrLocked)

	cands, err := s.Candidates(CandidateQuery{})
	require.NoError(t, err)
	assert.Empty(t, cands)

	require.NoError(t, ce.Unlock("test-passphrase"))
	cands, err = s.Candidates(CandidateQuery{})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestStoreAddCopiesEmbedding(t *testing.T) {
	s := New(nil, nil, nil, nil)

	vec := testVec(0.4)
	added, err := s.Add(&record.MemoryRecord{Content: "aliased"}, vec)
	require.NoError(t, err)

	// Mutating the caller's slice must not reach the stored record.
	vec[0] = 99

	got, err := s.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, testVec(0.4), got.Embedding)
}

func TestStoreImportRejectsForeignKey(t *testing.T) {
	foreign := crypto.New()
	require.NoError(t, foreign.SetupEncryption("other-passphrase"))
	src := New(foreign, nil, nil, nil)
	_, err := src.Add(&record.MemoryRecord{Content: "foreign"}, testVec(0.6))
	require.NoError(t, err)
	data, err := src.Export()
	require.NoError(t, err)

	ce := unlockedEngine(t)
	s := New(ce, nil, nil, nil)
	kept, err := s.Add(&record.MemoryRecord{Content: "precious"}, testVec(0.2))
	require.NoError(t, err)

	require.ErrorIs(t, s.Import(data), ErrKeyMismatch)

	// The rejected payload displaces nothing.
	got, err := s.Get(kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "precious", got.Content)

	cands, err := s.Candidates(CandidateQuery{})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestStoreSealPlaintextReturnsSealed(t *testing.T) {
	ce := unlockedEngine(t)
	ce.Lock()
	s := New(ce, nil, nil, nil)

	added, err := s.Add(&record.MemoryRecord{Content: "degraded"}, testVec(0.3))
	require.NoError(t, err)

	require.NoError(t, ce.Unlock("test-passphrase"))
	sealed, err := s.SealPlaintext()
	require.NoError(t, err)
	require.Len(t, sealed, 1)
	assert.Equal(t, added.ID, sealed[0].ID)
	assert.Equal(t, "degraded", sealed[0].Content)
	assert.Equal(t, testVec(0.3), sealed[0].Embedding)

	stored := s.records[added.ID]
	assert.True(t, stored.Encryption.Encrypted)
	assert.Empty(t, stored.Content)
}

func TestStoreCandidatesFilterAndPaging(t *testing.T) {
	s := New(nil, nil, nil, nil)

	for _, content := range []string{"walk the dog", "feed the dog", "water the plants"} {
		_, err := s.Add(&record.MemoryRecord{Content: content}, nil)
		require.NoError(t, err)
	}

	cands, err := s.Candidates(CandidateQuery{Query: "DOG"})
	require.NoError(t, err)
	assert.Len(t, cands, 2)

	page, err := s.Candidates(CandidateQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := s.Candidates(CandidateQuery{Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	assert.NotContains(t, []string{page[0].ID, page[1].ID}, rest[0].ID)
}

func TestStoreDeleteTombstones(t *testing.T) {
	s := New(nil, nil, nil, nil)

	added, err := s.Add(&record.MemoryRecord{Content: "ephemeral"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Delete(added.ID))

	cands, err := s.Candidates(CandidateQuery{})
	require.NoError(t, err)
	assert.Empty(t, cands)

	// Tombstone survives for sync propagation.
	got, err := s.Get(added.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, 0, s.Stats().Count)

	assert.ErrorIs(t, s.Delete("missing"), ErrNotFound)
}

func TestStoreUpdateUsage(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s := New(nil, nil, nil, func() time.Time { return clock })

	added, err := s.Add(&record.MemoryRecord{Content: "habit"}, nil)
	require.NoError(t, err)
	require.Nil(t, added.LastUsedAt)

	clock = base.Add(time.Hour)
	require.NoError(t, s.UpdateUsage(added.ID, 3))

	got, err := s.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.UsageCount)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, base.Add(time.Hour), *got.LastUsedAt)
}

func TestStoreExportImportIdempotent(t *testing.T) {
	ce := unlockedEngine(t)
	s := New(ce, nil, nil, nil)

	_, err := s.Add(&record.MemoryRecord{Content: "one"}, testVec(0.1))
	require.NoError(t, err)
	_, err = s.Add(&record.MemoryRecord{Content: "two"}, testVec(0.2))
	require.NoError(t, err)

	data, err := s.Export()
	require.NoError(t, err)

	other := New(ce, nil, nil, nil)
	require.NoError(t, other.Import(data))
	require.NoError(t, other.Import(data))

	again, err := other.Export()
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, s.Stats(), other.Stats())
}

func TestStoreSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	ce := unlockedEngine(t)

	s := New(ce, nil, nil, nil)
	added, err := s.Add(&record.MemoryRecord{Content: "persisted"}, testVec(0.7))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, blobs, "records.json"))

	loaded := New(ce, nil, nil, nil)
	ok, err := loaded.Load(ctx, blobs, "records.json")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := loaded.Get(added.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)

	empty := New(ce, nil, nil, nil)
	ok, err = empty.Load(ctx, blobs, "missing.json")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreLiveEmbeddings(t *testing.T) {
	ce := unlockedEngine(t)
	s := New(ce, nil, nil, nil)

	a, err := s.Add(&record.MemoryRecord{Content: "a"}, testVec(0.1))
	require.NoError(t, err)
	b, err := s.Add(&record.MemoryRecord{Content: "b"}, testVec(0.2))
	require.NoError(t, err)
	_, err = s.Add(&record.MemoryRecord{Content: "no-vec"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Delete(b.ID))

	ids, vecs, err := s.LiveEmbeddings()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, a.ID, ids[0])
	assert.Equal(t, testVec(0.1), vecs[0])
}
