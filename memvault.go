package memvault

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/memvault/memvault/ann"
	"github.com/memvault/memvault/blobstore"
	"github.com/memvault/memvault/codec"
	"github.com/memvault/memvault/crypto"
	"github.com/memvault/memvault/embed"
	"github.com/memvault/memvault/embed/mock"
	"github.com/memvault/memvault/rank"
	"github.com/memvault/memvault/record"
	"github.com/memvault/memvault/snapshot"
	"github.com/memvault/memvault/store"
	"github.com/memvault/memvault/syncer"
)

// Persisted blob names. The vector index adds its own ".graph" and ".map"
// suffixes to its base name.
const (
	recordsBlobName = "records.json"
	indexBlobName   = "ann"
	oplogFileName   = "oplog.db"
)

// annPreselectThreshold is the candidate pool size above which retrieval
// narrows the pool through the vector index before ranking.
const annPreselectThreshold = 256

// Engine is the on-device memory engine facade.
//
// It runs as a single actor: every state-mutating operation executes on one
// internal goroutine in submission order, which keeps the lock state, the
// record map, and the vector index consistent without explicit locking.
// All exported methods are safe to call from any goroutine.
type Engine struct {
	opts    options
	logger  *Logger
	metrics MetricsCollector

	requests chan func()
	closing  chan struct{}
	done     chan struct{}
	closeOnce sync.Once

	// Actor-owned state. Only the run loop touches these after New.
	crypto      *crypto.Engine
	store       *store.Store
	index       *ann.Index
	ranker      *rank.Ranker
	embedder    embed.Embedder
	blobs       blobstore.Store
	sync        *syncer.Syncer
	syncEnabled bool
	syncStop    chan struct{}
	userID      string
	initialized bool
	quotaHit    bool
}

// Stats is the engine-wide view returned by GetStats.
type Stats struct {
	Count         int           `json:"count"`
	QuotaExceeded bool          `json:"quota_exceeded"`
	Crypto        crypto.State  `json:"crypto"`
	ANN           ann.Stats     `json:"ann"`
	Sync          *syncer.Stats `json:"sync,omitempty"`
}

// RetrieveOptions tunes a ranked retrieval.
type RetrieveOptions struct {
	MaxResults       int
	Diversity        *float64
	CooldownWindow   time.Duration
	IncludeSensitive bool
	IgnoreCooldown   bool
}

// New creates an Engine. Call Init before using it.
func New(optFns ...Option) (*Engine, error) {
	opts := options{
		codec:        codec.Default,
		logger:       NoopLogger(),
		metrics:      NoopMetricsCollector{},
		embedTimeout: defaultEmbedTimeout,
		syncInterval: defaultSyncInterval,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	blobs := opts.blobs
	if opts.dataDir != "" {
		local, err := blobstore.NewLocalStore(opts.dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open data dir: %w", err)
		}
		blobs = local
	}
	if blobs == nil {
		blobs = blobstore.NewMemoryStore()
	}

	embedder := opts.embedder
	if embedder == nil {
		embedder = mock.New()
	}
	embedder = embed.WithTimeout(embedder, opts.embedTimeout)

	annCfg := ann.DefaultConfig(embedder.Dimensions())
	if opts.annConfig != nil {
		annCfg = *opts.annConfig
	}

	ce := crypto.New()
	slogger := opts.logger.Logger

	e := &Engine{
		opts:     opts,
		logger:   opts.logger,
		metrics:  opts.metrics,
		requests: make(chan func(), 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		crypto:   ce,
		store:    store.New(ce, opts.codec, slogger, nil),
		index:    ann.NewIndex(blobs, opts.codec, slogger),
		ranker:   rank.New(embedder, slogger),
		embedder: embedder,
		blobs:    blobs,
	}
	if err := e.index.Initialize(annCfg); err != nil {
		return nil, err
	}

	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.closing:
			return
		case fn := <-e.requests:
			fn()
		}
	}
}

// do executes fn on the actor goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case <-e.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case e.requests <- func() { errCh <- fn() }:
	}
	select {
	case err := <-errCh:
		return translateError(err)
	case <-e.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) requireInit() error {
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Close stops the actor and background sync. In-flight requests finish;
// later calls fail with ErrClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closing)
	})
	<-e.done
	if e.sync != nil {
		return e.sync.Close()
	}
	return nil
}

// Init loads persisted records and the vector index. On a fresh store it
// simply marks the engine ready.
func (e *Engine) Init(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.initialized {
			return nil
		}

		if _, err := e.store.Load(ctx, e.blobs, recordsBlobName); err != nil {
			return err
		}

		loaded, err := e.index.Load(ctx, indexBlobName)
		if err != nil {
			return err
		}
		if !loaded && e.store.Len() > 0 {
			if err := e.rebuildIndex(); err != nil {
				return err
			}
		}

		e.initialized = true
		e.logger.Info("engine initialized", "records", e.store.Len())
		return nil
	})
}

// persist writes records and index to the blob store, honoring the storage
// quota: when exceeded the engine keeps running in memory and warns.
func (e *Engine) persist(ctx context.Context) error {
	data, err := e.store.Export()
	if err != nil {
		return err
	}
	if e.opts.storageQuota > 0 && int64(len(data)) > e.opts.storageQuota {
		if !e.quotaHit {
			e.logger.Warn("storage quota exceeded, state kept in memory only",
				"size", len(data), "quota", e.opts.storageQuota)
		}
		e.quotaHit = true
		return nil
	}
	e.quotaHit = false

	if err := e.blobs.Put(ctx, recordsBlobName, data); err != nil {
		return fmt.Errorf("failed to persist records: %w", err)
	}
	return e.index.Save(ctx, indexBlobName)
}

func (e *Engine) rebuildIndex() error {
	ids, vecs, err := e.store.LiveEmbeddings()
	if err != nil {
		return err
	}
	entries := make([]ann.Entry, len(ids))
	for i := range ids {
		entries[i] = ann.Entry{ID: ids[i], Vector: vecs[i]}
	}
	return e.index.Rebuild(entries)
}

// AddMemory stores a new memory record. When no embedding is given the
// content is embedded through the configured embedder; on embedding
// failure the record is stored without a vector and a warning is logged.
func (e *Engine) AddMemory(ctx context.Context, rec *record.MemoryRecord, embedding []float32) (*record.LocalMemoryRecord, error) {
	var added *record.LocalMemoryRecord
	start := time.Now()
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}

		if embedding == nil && rec != nil {
			vec, err := e.embedder.Embed(ctx, rec.Content)
			if err != nil {
				e.logger.Warn("embedding failed, storing record without vector", "error", err)
			} else {
				embedding = vec
			}
		}

		var err error
		added, err = e.store.Add(rec, embedding)
		if err != nil {
			return err
		}

		if embedding != nil {
			if err := e.index.Add(added.ID, embedding); err != nil {
				if errors.Is(err, ann.ErrCapacityExceeded) {
					// Non-fatal: the record stays retrievable by
					// substring, just not via the vector index.
					e.logger.Warn("vector index full, insert skipped", "id", added.ID)
				} else {
					return err
				}
			}
		}

		e.recordSyncOp(ctx, syncer.OpUpsert, added)
		return e.persist(ctx)
	})
	e.metrics.RecordAdd(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return added, nil
}

// recordSyncOp enqueues a replication op for a local mutation. Failures are
// logged, never fatal: local state is the source of truth.
func (e *Engine) recordSyncOp(ctx context.Context, opType syncer.OperationType, rec *record.LocalMemoryRecord) {
	if e.sync == nil || !e.syncEnabled || !e.crypto.Unlocked() {
		return
	}

	var payload []byte
	memoryID := ""
	if rec != nil {
		memoryID = rec.ID
		var err error
		payload, err = e.opts.codec.Marshal(rec)
		if err != nil {
			e.logger.Error("failed to encode sync payload", "id", rec.ID, "error", err)
			return
		}
	}
	if _, err := e.sync.CreateOperation(ctx, opType, memoryID, payload); err != nil {
		e.logger.Error("failed to record sync operation", "id", memoryID, "error", err)
	}
}

// GetCandidates returns decrypted candidate records, optionally filtered by
// a substring query. Encrypted records are invisible while locked.
func (e *Engine) GetCandidates(ctx context.Context, query string, limit, offset int) ([]record.Candidate, error) {
	var out []record.Candidate
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		var err error
		out, err = e.store.Candidates(store.CandidateQuery{Query: query, Limit: limit, Offset: offset})
		return err
	})
	return out, err
}

// Retrieve runs the ranked, diversified retrieval pipeline. If the
// embedder times out, it degrades to a plain substring match instead of
// blocking.
func (e *Engine) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]rank.Result, error) {
	var out []rank.Result
	start := time.Now()
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}

		candidates, err := e.store.Candidates(store.CandidateQuery{})
		if err != nil {
			return err
		}
		candidates = e.preselect(ctx, query, candidates, opts.MaxResults)

		out, err = e.ranker.Retrieve(ctx, query, candidates, rank.Options{
			MaxResults:       opts.MaxResults,
			Diversity:        opts.Diversity,
			CooldownWindow:   opts.CooldownWindow,
			IncludeSensitive: opts.IncludeSensitive,
			IgnoreCooldown:   opts.IgnoreCooldown,
		})
		if errors.Is(err, embed.ErrTimeout) {
			e.logger.Warn("embedding timed out, falling back to substring match", "query_len", len(query))
			fallback, ferr := e.store.Candidates(store.CandidateQuery{Query: query, Limit: opts.MaxResults})
			if ferr != nil {
				return ferr
			}
			out = out[:0]
			for _, c := range fallback {
				out = append(out, rank.Result{Candidate: c})
			}
			return nil
		}
		return err
	})
	e.metrics.RecordRetrieve(len(out), time.Since(start), err)
	return out, err
}

// preselect narrows a large candidate pool to the query's approximate
// nearest neighbours so ranking cost stays bounded. Any failure keeps the
// full pool; the index is an accelerator, never a gate.
func (e *Engine) preselect(ctx context.Context, query string, candidates []record.Candidate, maxResults int) []record.Candidate {
	if len(candidates) <= annPreselectThreshold || !e.index.Ready() {
		return candidates
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return candidates
	}

	k := maxResults * 8
	if k < 64 {
		k = 64
	}
	hits, err := e.index.Search(vec, k)
	if err != nil || len(hits) == 0 {
		return candidates
	}

	keep := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		keep[h.ID] = struct{}{}
	}
	narrowed := make([]record.Candidate, 0, len(hits))
	for _, c := range candidates {
		if _, ok := keep[c.ID]; ok {
			narrowed = append(narrowed, c)
		}
	}
	if len(narrowed) == 0 {
		return candidates
	}
	return narrowed
}

// UpdateUsage records a retrieval hit for a memory.
func (e *Engine) UpdateUsage(ctx context.Context, id string, count uint64) error {
	return e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		if err := e.store.UpdateUsage(id, count); err != nil {
			return err
		}
		return e.persist(ctx)
	})
}

// DeleteMemory tombstones a record so the deletion propagates through sync.
func (e *Engine) DeleteMemory(ctx context.Context, id string) error {
	return e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		if err := e.store.Delete(id); err != nil {
			return err
		}
		e.index.Remove(id)
		e.recordSyncOp(ctx, syncer.OpDelete, &record.LocalMemoryRecord{MemoryRecord: record.MemoryRecord{ID: id}})
		return e.persist(ctx)
	})
}

// ExportData serializes the full record set, preserving encryption state as
// stored.
func (e *Engine) ExportData(ctx context.Context) ([]byte, error) {
	var out []byte
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		var err error
		out, err = e.store.Export()
		return err
	})
	return out, err
}

// ImportData replaces the record set wholesale and rebuilds the vector
// index. Importing the same export twice yields the same state. A payload
// that cannot be decoded, or whose records are sealed under a different
// key, leaves the current state untouched.
func (e *Engine) ImportData(ctx context.Context, data []byte) error {
	return e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		prev, err := e.store.Export()
		if err != nil {
			return err
		}
		if err := e.store.Import(data); err != nil {
			return err
		}
		if err := e.rebuildIndex(); err != nil {
			e.restoreRecords(prev)
			return err
		}
		e.recordImportOps(ctx)
		return e.persist(ctx)
	})
}

// restoreRecords reinstates the pre-import state after a failed import so a
// bad payload cannot leave the engine without its records.
func (e *Engine) restoreRecords(prev []byte) {
	if err := e.store.Import(prev); err != nil {
		e.logger.Error("failed to restore records after import failure", "error", err)
		return
	}
	if err := e.rebuildIndex(); err != nil {
		e.logger.Error("failed to rebuild index after import rollback", "error", err)
	}
}

// recordImportOps replicates imported live records so other devices
// converge on the imported state.
func (e *Engine) recordImportOps(ctx context.Context) {
	if e.sync == nil || !e.syncEnabled || !e.crypto.Unlocked() {
		return
	}
	for _, r := range e.store.All() {
		if r.IsDeleted() {
			continue
		}
		plain, err := e.store.Get(r.ID)
		if err != nil {
			e.logger.Error("failed to open imported record for sync", "id", r.ID, "error", err)
			continue
		}
		e.recordSyncOp(ctx, syncer.OpUpsert, plain)
	}
}

// GetStats reports counts and subsystem states.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	var out Stats
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		out = Stats{
			Count:         e.store.Stats().Count,
			QuotaExceeded: e.quotaHit,
			Crypto:        e.crypto.State(),
			ANN:           e.index.Stats(),
		}
		if e.sync != nil {
			s, err := e.sync.Stats(ctx)
			if err != nil {
				return err
			}
			out.Sync = &s
		}
		return nil
	})
	return out, err
}

// SetupEncryption derives a KEK from the passphrase, generates and wraps a
// DEK, and seals any plaintext records.
func (e *Engine) SetupEncryption(ctx context.Context, passphrase string) error {
	return e.do(ctx, func() error {
		if err := e.crypto.SetupEncryption(passphrase); err != nil {
			return err
		}
		return e.sealExisting(ctx)
	})
}

// SetupSessionEncryption is SetupEncryption with the faster session-token
// derivation profile.
func (e *Engine) SetupSessionEncryption(ctx context.Context, token string) error {
	return e.do(ctx, func() error {
		if err := e.crypto.SetupSessionEncryption(token); err != nil {
			return err
		}
		return e.sealExisting(ctx)
	})
}

// sealExisting seals degraded-mode plaintext records under the fresh DEK
// and replicates them, since no op could be queued while locked.
func (e *Engine) sealExisting(ctx context.Context) error {
	sealed, err := e.store.SealPlaintext()
	if err != nil {
		return err
	}
	for _, r := range sealed {
		e.recordSyncOp(ctx, syncer.OpUpsert, r)
	}
	if len(sealed) > 0 {
		e.logger.Info("sealed plaintext records", "count", len(sealed))
	}
	return nil
}

// Unlock unwraps the DEK with the given secret. Previously invisible
// encrypted records become retrievable again.
func (e *Engine) Unlock(ctx context.Context, secret string) error {
	return e.do(ctx, func() error {
		if err := e.crypto.Unlock(secret); err != nil {
			return err
		}
		return e.sealExisting(ctx)
	})
}

// Lock zeroes the DEK. Encrypted records become invisible to search until
// the next Unlock.
func (e *Engine) Lock(ctx context.Context) error {
	return e.do(ctx, func() error {
		e.crypto.Lock()
		return nil
	})
}

// RotateKey rewraps the DEK under a new secret of the same derivation
// kind. Stored ciphertext is untouched; only the wrapping changes.
func (e *Engine) RotateKey(ctx context.Context, newSecret string) error {
	return e.do(ctx, func() error {
		kind := crypto.DerivationPassphrase
		if w := e.crypto.WrappedDEK(); w != nil {
			kind = w.Kind
		}
		return e.crypto.RotateKey(newSecret, kind)
	})
}

// GetCryptoState reports the lock state without exposing key material.
func (e *Engine) GetCryptoState(ctx context.Context) (crypto.State, error) {
	var out crypto.State
	err := e.do(ctx, func() error {
		out = e.crypto.State()
		return nil
	})
	return out, err
}

// GetWrappedDEK returns the wrapped DEK for backup or device enrollment.
func (e *Engine) GetWrappedDEK(ctx context.Context) (*crypto.WrappedDEK, error) {
	var out *crypto.WrappedDEK
	err := e.do(ctx, func() error {
		out = e.crypto.WrappedDEK()
		return nil
	})
	return out, err
}

// LoadWrappedDEK installs a wrapped DEK from another device or a backup.
// Unlock with the matching secret afterwards.
func (e *Engine) LoadWrappedDEK(ctx context.Context, w *crypto.WrappedDEK) error {
	return e.do(ctx, func() error {
		return e.crypto.LoadWrappedDEK(w)
	})
}

// RebuildANNIndex rebuilds the vector index from live records, reclaiming
// capacity held by removed vectors.
func (e *Engine) RebuildANNIndex(ctx context.Context) error {
	return e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		if err := e.rebuildIndex(); err != nil {
			return err
		}
		return e.persist(ctx)
	})
}

// GetANNStats reports vector index occupancy.
func (e *Engine) GetANNStats(ctx context.Context) (ann.Stats, error) {
	var out ann.Stats
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		out = e.index.Stats()
		return nil
	})
	return out, err
}

// EnableSync registers this device with the remote op store and starts
// background sync.
func (e *Engine) EnableSync(ctx context.Context, remote syncer.RemoteOpStore, userID string) error {
	return e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		if e.sync == nil {
			dbPath := ":memory:"
			if e.opts.dataDir != "" {
				dbPath = filepath.Join(e.opts.dataDir, oplogFileName)
			}
			s, err := syncer.New(dbPath, remote, e.crypto, func(o *syncer.Options) {
				o.Logger = e.logger.WithComponent("syncer").Logger
			})
			if err != nil {
				return err
			}
			e.sync = s
		}
		if err := e.sync.Initialize(ctx, userID); err != nil {
			return err
		}
		e.userID = userID
		e.syncEnabled = true
		e.sync.SetOnline(true)

		if e.syncStop == nil {
			e.syncStop = make(chan struct{})
			go e.syncLoop(e.sync, e.syncStop)
		}
		return nil
	})
}

// DisableSync stops background sync. Queued operations are kept and upload
// resumes when sync is enabled again.
func (e *Engine) DisableSync(ctx context.Context) error {
	return e.do(ctx, func() error {
		if e.syncStop != nil {
			close(e.syncStop)
			e.syncStop = nil
		}
		e.syncEnabled = false
		if e.sync != nil {
			e.sync.SetOnline(false)
		}
		return nil
	})
}

// SetSyncEnabled toggles the online gate without tearing down the sync
// engine, matching a device going offline and back. While offline, local
// mutations keep queueing for upload.
func (e *Engine) SetSyncEnabled(ctx context.Context, enabled bool) error {
	return e.do(ctx, func() error {
		if e.sync == nil {
			return ErrSyncDisabled
		}
		e.sync.SetOnline(enabled)
		return nil
	})
}

// TriggerSync runs one upload+download cycle. Concurrent triggers share a
// single in-flight cycle. Offline is a silent no-op.
func (e *Engine) TriggerSync(ctx context.Context) error {
	var s *syncer.Syncer
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		if e.sync == nil || !e.syncEnabled {
			return ErrSyncDisabled
		}
		s = e.sync
		return nil
	})
	if err != nil {
		return err
	}

	// The network cycle runs off the actor so local operations stay
	// responsive; applied operations re-enter through the actor queue.
	start := time.Now()
	err = s.Sync(ctx, e.applyRemoteOp)
	e.metrics.RecordSyncCycle(time.Since(start), err)
	if errors.Is(err, syncer.ErrOffline) {
		return nil
	}
	return translateError(err)
}

// GetSyncStats reports replication progress.
func (e *Engine) GetSyncStats(ctx context.Context) (*syncer.Stats, error) {
	var out *syncer.Stats
	err := e.do(ctx, func() error {
		if e.sync == nil {
			return ErrSyncDisabled
		}
		s, err := e.sync.Stats(ctx)
		if err != nil {
			return err
		}
		out = &s
		return nil
	})
	return out, err
}

// applyRemoteOp installs one downloaded operation through the actor queue.
func (e *Engine) applyRemoteOp(ctx context.Context, op *syncer.Operation, plaintext []byte) error {
	return e.do(ctx, func() error {
		switch op.Type {
		case syncer.OpDelete:
			e.store.ApplyRemoteDelete(op.MemoryID, op.CreatedAt)
			e.index.Remove(op.MemoryID)
		case syncer.OpUpsert:
			var rec record.LocalMemoryRecord
			if err := e.opts.codec.Unmarshal(plaintext, &rec); err != nil {
				return fmt.Errorf("failed to decode remote record: %w", err)
			}
			if err := e.store.ApplyRemote(&rec); err != nil {
				return err
			}
			if rec.Embedding != nil {
				if err := e.index.Add(rec.ID, rec.Embedding); err != nil && !errors.Is(err, ann.ErrCapacityExceeded) {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown operation type %q", op.Type)
		}
		return e.persist(ctx)
	})
}

func (e *Engine) syncLoop(s *syncer.Syncer, stop chan struct{}) {
	ticker := time.NewTicker(e.opts.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-e.closing:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*e.opts.syncInterval)
			err := s.Sync(ctx, e.applyRemoteOp)
			cancel()
			if err != nil && !errors.Is(err, syncer.ErrOffline) {
				e.logger.Warn("background sync failed", "error", err)
			}
		}
	}
}

// CreateSnapshot produces a signed, encrypted full-state snapshot keyed by
// the DEK. Requires the engine to be unlocked.
func (e *Engine) CreateSnapshot(ctx context.Context) ([]byte, error) {
	var out []byte
	start := time.Now()
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		dek, err := e.crypto.DEK()
		if err != nil {
			return err
		}

		memories, err := e.store.Export()
		if err != nil {
			return err
		}

		// Persist first so the snapshot captures the index's current
		// native form.
		if err := e.index.Save(ctx, indexBlobName); err != nil {
			return err
		}
		graph, err := e.blobs.Get(ctx, indexBlobName+".graph")
		if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
		meta, err := e.blobs.Get(ctx, indexBlobName+".map")
		if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}

		deviceID := ""
		if e.sync != nil {
			deviceID = e.sync.DeviceID()
		}

		out, err = snapshot.Create(snapshot.CreateInput{
			Memories:   memories,
			ANNIndex:   graph,
			ANNMeta:    meta,
			WrappedDEK: e.crypto.WrappedDEK(),
			UserInfo: snapshot.UserInfo{
				UserID:      e.userID,
				DeviceID:    deviceID,
				MemoryCount: e.store.Stats().Count,
			},
		}, dek)
		return err
	})
	e.metrics.RecordSnapshot(len(out), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreSnapshot verifies and applies a snapshot. Any integrity failure
// aborts before any state is touched.
func (e *Engine) RestoreSnapshot(ctx context.Context, data []byte) error {
	start := time.Now()
	err := e.do(ctx, func() error {
		if err := e.requireInit(); err != nil {
			return err
		}
		dek, err := e.crypto.DEK()
		if err != nil {
			return err
		}

		snap, err := snapshot.Parse(data, dek)
		if err != nil {
			return err
		}

		if err := e.store.Import(snap.Memories); err != nil {
			return err
		}
		if snap.ANNIndex != nil && snap.ANNMeta != nil {
			if err := e.blobs.Put(ctx, indexBlobName+".graph", snap.ANNIndex); err != nil {
				return err
			}
			if err := e.blobs.Put(ctx, indexBlobName+".map", snap.ANNMeta); err != nil {
				return err
			}
			if _, err := e.index.Load(ctx, indexBlobName); err != nil {
				return err
			}
		} else if err := e.rebuildIndex(); err != nil {
			return err
		}
		return e.persist(ctx)
	})
	e.metrics.RecordSnapshot(len(data), time.Since(start), err)
	return err
}
