package memvault

import (
	"time"

	"github.com/memvault/memvault/ann"
	"github.com/memvault/memvault/blobstore"
	"github.com/memvault/memvault/codec"
	"github.com/memvault/memvault/embed"
)

const (
	defaultEmbedTimeout = 2 * time.Second
	defaultSyncInterval = 5 * time.Minute
)

type options struct {
	codec        codec.Codec
	logger       *Logger
	metrics      MetricsCollector
	blobs        blobstore.Store
	dataDir      string
	embedder     embed.Embedder
	embedTimeout time.Duration
	annConfig    *ann.Config
	syncInterval time.Duration
	storageQuota int64
}

// Option configures Engine constructor behavior.
type Option func(*options)

// WithCodec configures the codec used for persisted state.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures operational metrics collection.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithBlobStore configures the durable store for records and the vector
// index. Defaults to an in-memory store.
func WithBlobStore(b blobstore.Store) Option {
	return func(o *options) {
		o.blobs = b
	}
}

// WithDataDir persists state under dir: records and index through a local
// blob store, the sync op log as a SQLite file. Overrides WithBlobStore.
func WithDataDir(dir string) Option {
	return func(o *options) {
		o.dataDir = dir
	}
}

// WithEmbedder configures the embedding function used for semantic
// retrieval. Defaults to a deterministic local hash embedder.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithEmbedTimeout bounds each embedding call. On timeout, retrieval falls
// back to substring matching instead of blocking.
func WithEmbedTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.embedTimeout = d
		}
	}
}

// WithANNConfig overrides the vector index configuration.
func WithANNConfig(cfg ann.Config) Option {
	return func(o *options) {
		o.annConfig = &cfg
	}
}

// WithSyncInterval sets the background sync cadence.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.syncInterval = d
		}
	}
}

// WithStorageQuota caps the persisted record blob size in bytes. When
// exceeded, writes continue in memory and persistence is skipped with a
// warning. Zero means unlimited.
func WithStorageQuota(bytes int64) Option {
	return func(o *options) {
		o.storageQuota = bytes
	}
}
