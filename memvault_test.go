package memvault

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memvault/memvault/record"
	"github.com/memvault/memvault/syncer"
)

func newTestEngine(t *testing.T, optFns ...Option) *Engine {
	t.Helper()

	e, err := New(optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.Init(context.Background()))
	return e
}

func addMemory(t *testing.T, e *Engine, content string) *record.LocalMemoryRecord {
	t.Helper()

	rec, err := e.AddMemory(context.Background(), &record.MemoryRecord{
		Content:  content,
		Salience: 0.5,
	}, nil)
	require.NoError(t, err)
	return rec
}

func TestEngineRequiresInit(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	_, err = e.AddMemory(context.Background(), &record.MemoryRecord{Content: "x"}, nil)
	require.ErrorIs(t, err, ErrNotInitialized)

	_, err = e.GetCandidates(context.Background(), "", 0, 0)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestEngineClosed(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	require.NoError(t, e.Close())

	_, err = e.GetCandidates(context.Background(), "", 0, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngineAddAndRetrieve(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	addMemory(t, e, "prefers window seats on long flights")
	addMemory(t, e, "allergic to peanuts")

	results, err := e.Retrieve(ctx, "prefers window seats on long flights", RetrieveOptions{MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The mock embedder is deterministic, so the exact-match content wins.
	assert.Equal(t, "prefers window seats on long flights", results[0].Candidate.Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestEngineLockHidesEncryptedRecords(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	rec := addMemory(t, e, "secret preference")

	candidates, err := e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	require.NoError(t, e.Lock(ctx))

	candidates, err = e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	require.NoError(t, e.Unlock(ctx, "passphrase"))

	candidates, err = e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rec.ID, candidates[0].ID)
}

func TestEngineUnlockWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	require.NoError(t, e.Lock(ctx))

	err := e.Unlock(ctx, "wrong")
	require.ErrorIs(t, err, ErrInvalidSecret)
}

func TestEngineRotateKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "old-pass"))

	rec := addMemory(t, e, "survives rotation")

	require.NoError(t, e.RotateKey(ctx, "new-pass"))
	require.NoError(t, e.Lock(ctx))

	require.ErrorIs(t, e.Unlock(ctx, "old-pass"), ErrInvalidSecret)
	require.NoError(t, e.Unlock(ctx, "new-pass"))

	// Existing ciphertext stays readable: only the wrapping changed.
	candidates, err := e.GetCandidates(ctx, "survives", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rec.ID, candidates[0].ID)
}

func TestEngineExportImportRoundtrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	addMemory(t, e, "first memory")
	addMemory(t, e, "second memory")

	data, err := e.ExportData(ctx)
	require.NoError(t, err)

	require.NoError(t, e.ImportData(ctx, data))

	again, err := e.ExportData(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	candidates, err := e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)
}

func TestEngineImportWrongKeyKeepsState(t *testing.T) {
	ctx := context.Background()

	other := newTestEngine(t)
	require.NoError(t, other.SetupEncryption(ctx, "other-pass"))
	addMemory(t, other, "foreign record")
	foreign, err := other.ExportData(ctx)
	require.NoError(t, err)

	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	kept := addMemory(t, e, "precious memory")

	// Records sealed under another key must not displace readable state.
	require.ErrorIs(t, e.ImportData(ctx, foreign), ErrInvalidSecret)

	candidates, err := e.GetCandidates(ctx, "precious", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, kept.ID, candidates[0].ID)
}

func TestEngineImportReplicates(t *testing.T) {
	ctx := context.Background()
	remote := syncer.NewMemoryRemote()

	src := newTestEngine(t)
	require.NoError(t, src.SetupEncryption(ctx, "shared-pass"))
	addMemory(t, src, "first export")
	addMemory(t, src, "second export")
	data, err := src.ExportData(ctx)
	require.NoError(t, err)
	wrapped, err := src.GetWrappedDEK(ctx)
	require.NoError(t, err)

	e := newTestEngine(t)
	require.NoError(t, e.LoadWrappedDEK(ctx, wrapped))
	require.NoError(t, e.Unlock(ctx, "shared-pass"))
	require.NoError(t, e.EnableSync(ctx, remote, "user-1"))

	require.NoError(t, e.ImportData(ctx, data))
	require.NoError(t, e.TriggerSync(ctx))

	// Imported records replicate like any other local mutation.
	assert.Equal(t, 2, remote.Len("user-1"))
}

func TestEngineDeleteMemory(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	rec := addMemory(t, e, "ephemeral")
	require.NoError(t, e.DeleteMemory(ctx, rec.ID))

	candidates, err := e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	require.ErrorIs(t, e.DeleteMemory(ctx, "no-such-id"), ErrNotFound)
}

func TestEngineUpdateUsage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	rec := addMemory(t, e, "frequently used")
	require.NoError(t, e.UpdateUsage(ctx, rec.ID, 3))

	candidates, err := e.GetCandidates(ctx, "frequently", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.NotNil(t, candidates[0].LastUsedAt)
}

func TestEnginePersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newTestEngine(t, WithDataDir(dir))
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	rec := addMemory(t, e, "durable memory")
	wrapped, err := e.GetWrappedDEK(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, WithDataDir(dir))
	require.NoError(t, e2.LoadWrappedDEK(ctx, wrapped))
	require.NoError(t, e2.Unlock(ctx, "passphrase"))

	candidates, err := e2.GetCandidates(ctx, "durable", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rec.ID, candidates[0].ID)

	stats, err := e2.GetANNStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CurrentElements)
}

func TestEngineSnapshotRoundtrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	addMemory(t, e, "snapshot me")
	snap, err := e.CreateSnapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	// Restore onto a second engine sharing the same key material.
	wrapped, err := e.GetWrappedDEK(ctx)
	require.NoError(t, err)

	e2 := newTestEngine(t)
	require.NoError(t, e2.LoadWrappedDEK(ctx, wrapped))
	require.NoError(t, e2.Unlock(ctx, "passphrase"))

	require.NoError(t, e2.RestoreSnapshot(ctx, snap))

	candidates, err := e2.GetCandidates(ctx, "snapshot", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestEngineSnapshotTamperRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	addMemory(t, e, "original state")
	snap, err := e.CreateSnapshot(ctx)
	require.NoError(t, err)

	tampered := append([]byte(nil), snap...)
	tampered[len(tampered)-1] ^= 0xFF

	err = e.RestoreSnapshot(ctx, tampered)
	require.ErrorIs(t, err, ErrIntegrityFailure)

	// Rejected snapshot leaves state untouched.
	candidates, err := e.GetCandidates(ctx, "original", 0, 0)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestEngineSnapshotRequiresUnlock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	require.NoError(t, e.Lock(ctx))

	_, err := e.CreateSnapshot(ctx)
	require.ErrorIs(t, err, ErrLocked)
}

func TestEngineSyncDisabledByDefault(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	require.ErrorIs(t, e.TriggerSync(ctx), ErrSyncDisabled)
	_, err := e.GetSyncStats(ctx)
	require.ErrorIs(t, err, ErrSyncDisabled)
}

func TestEngineSyncBetweenDevices(t *testing.T) {
	ctx := context.Background()
	remote := syncer.NewMemoryRemote()

	a := newTestEngine(t)
	require.NoError(t, a.SetupEncryption(ctx, "shared-pass"))
	wrapped, err := a.GetWrappedDEK(ctx)
	require.NoError(t, err)

	b := newTestEngine(t)
	require.NoError(t, b.LoadWrappedDEK(ctx, wrapped))
	require.NoError(t, b.Unlock(ctx, "shared-pass"))

	require.NoError(t, a.EnableSync(ctx, remote, "user-1"))
	require.NoError(t, b.EnableSync(ctx, remote, "user-1"))

	rec := addMemory(t, a, "replicated memory")

	require.NoError(t, a.TriggerSync(ctx))
	require.NoError(t, b.TriggerSync(ctx))

	candidates, err := b.GetCandidates(ctx, "replicated", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rec.ID, candidates[0].ID)
	assert.Equal(t, "replicated memory", candidates[0].Content)

	// Deletes propagate the same way.
	require.NoError(t, b.DeleteMemory(ctx, rec.ID))
	require.NoError(t, b.TriggerSync(ctx))
	require.NoError(t, a.TriggerSync(ctx))

	candidates, err = a.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestEngineSyncOfflineQueues(t *testing.T) {
	ctx := context.Background()
	remote := syncer.NewMemoryRemote()

	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	require.NoError(t, e.EnableSync(ctx, remote, "user-1"))
	require.NoError(t, e.SetSyncEnabled(ctx, false))

	addMemory(t, e, "queued while offline")

	stats, err := e.GetSyncStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PendingUpload)
	assert.Equal(t, 0, remote.Len("user-1"))

	require.NoError(t, e.SetSyncEnabled(ctx, true))
	require.NoError(t, e.TriggerSync(ctx))
	assert.Equal(t, 1, remote.Len("user-1"))
}

func TestEngineLockedAddSyncsAfterUnlock(t *testing.T) {
	ctx := context.Background()
	remote := syncer.NewMemoryRemote()

	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	require.NoError(t, e.EnableSync(ctx, remote, "user-1"))
	require.NoError(t, e.Lock(ctx))

	// No op can be queued while locked; the record lands in plaintext.
	rec := addMemory(t, e, "written while locked")
	require.NoError(t, e.TriggerSync(ctx))
	assert.Equal(t, 0, remote.Len("user-1"))

	// Unlock seals the record and queues the upsert it could not record.
	require.NoError(t, e.Unlock(ctx, "passphrase"))
	require.NoError(t, e.TriggerSync(ctx))
	require.Equal(t, 1, remote.Len("user-1"))

	candidates, err := e.GetCandidates(ctx, "locked", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, rec.ID, candidates[0].ID)
}

func TestEngineStats(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))
	addMemory(t, e, "counted")

	stats, err := e.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
	assert.False(t, stats.Crypto.Locked)
	assert.Equal(t, 1, stats.ANN.CurrentElements)
	assert.Nil(t, stats.Sync)
}

func TestEngineMetricsCollected(t *testing.T) {
	ctx := context.Background()
	collector := &BasicMetricsCollector{}
	e := newTestEngine(t, WithMetricsCollector(collector))
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	addMemory(t, e, "measured")
	_, err := e.Retrieve(ctx, "measured", RetrieveOptions{MaxResults: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), collector.AddCount.Load())
	assert.Equal(t, int64(1), collector.RetrieveCount.Load())
	assert.Zero(t, collector.AddErrors.Load())
}

func TestEngineRebuildReclaimsCapacity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	keep := addMemory(t, e, "kept")
	gone := addMemory(t, e, "removed")
	require.NoError(t, e.DeleteMemory(ctx, gone.ID))

	before, err := e.GetANNStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, before.Removed)

	require.NoError(t, e.RebuildANNIndex(ctx))

	after, err := e.GetANNStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, after.Removed)
	assert.Equal(t, 1, after.CurrentElements)
	require.NotNil(t, after.LastRebuild)

	candidates, err := e.GetCandidates(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, keep.ID, candidates[0].ID)
}

func TestEngineRetrievePreselectsLargePool(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	for i := 0; i < 300; i++ {
		addMemory(t, e, fmt.Sprintf("filler fact number %d", i))
	}
	target := addMemory(t, e, "the one memory that matters")

	results, err := e.Retrieve(ctx, "the one memory that matters", RetrieveOptions{MaxResults: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, target.ID, results[0].Candidate.ID)
}

func TestEngineConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)
	require.NoError(t, e.SetupEncryption(ctx, "passphrase"))

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 10; j++ {
				_, _ = e.AddMemory(ctx, &record.MemoryRecord{Content: "concurrent"}, nil)
				_, _ = e.GetCandidates(ctx, "concurrent", 5, 0)
			}
		}(i)
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			t.Fatal("timed out waiting for workers")
		}
	}

	stats, err := e.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Count)
}
