// Package syncer replicates memory mutations across a user's devices
// through a durable, encrypted operation log with vector-clock ordering.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/memvault/memvault/crypto"
)

// State is the device's position in the sync lifecycle. Offline is an
// orthogonal flag, not a state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRegistered    State = "registered"
	StateSyncing       State = "syncing"
	StateIdle          State = "idle"
)

var (
	// ErrNotRegistered is returned when sync is used before Initialize.
	ErrNotRegistered = errors.New("sync engine not initialized")
	// ErrOffline is returned when a network action is attempted offline.
	ErrOffline = errors.New("sync engine is offline")
)

const (
	defaultBatchSize    = 50
	defaultRetryCeiling = 5
	defaultCallTimeout  = 30 * time.Second

	stateKeyDeviceID = "device_id"
	stateKeyUserID   = "user_id"
	stateKeySeq      = "seq"
	stateKeyClock    = "clock"
)

// Options holds the Syncer's tunables.
type Options struct {
	// BatchSize bounds one upload batch.
	BatchSize int
	// RetryCeiling is the per-operation upload attempt limit. Operations
	// beyond it are marked permanently failed but stay in the local log.
	RetryCeiling int
	// CallTimeout bounds each network call.
	CallTimeout time.Duration
	// UploadLimit paces upload batches.
	UploadLimit rate.Limit
	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// DefaultOptions returns the Syncer's default configuration.
func DefaultOptions() Options {
	return Options{
		BatchSize:    defaultBatchSize,
		RetryCeiling: defaultRetryCeiling,
		CallTimeout:  defaultCallTimeout,
		UploadLimit:  rate.Every(100 * time.Millisecond),
	}
}

// ApplyFunc applies a downloaded, verified, decrypted operation to local
// state. plaintext is nil for delete operations.
type ApplyFunc func(ctx context.Context, op *Operation, plaintext []byte) error

// Stats is a point-in-time view of sync progress.
type Stats struct {
	State         State       `json:"state"`
	Online        bool        `json:"online"`
	DeviceID      string      `json:"device_id"`
	UserID        string      `json:"user_id"`
	Seq           uint64      `json:"seq"`
	Clock         VectorClock `json:"clock"`
	TotalOps      int         `json:"total_ops"`
	PendingUpload int         `json:"pending_upload"`
	Uploaded      int         `json:"uploaded"`
	Failed        int         `json:"failed"`
	Applied       uint64      `json:"applied"`
	Conflicts     uint64      `json:"conflicts"`
	LastSyncAt    *time.Time  `json:"last_sync_at,omitempty"`
}

// Syncer owns the local op log and the replication state machine.
//
// Local op creation and background sync cycles may run on different
// goroutines; the mutex guards the counters they share. Network calls are
// never made while it is held.
type Syncer struct {
	log     *opLog
	remote  RemoteOpStore
	crypto  *crypto.Engine
	logger  *slog.Logger
	limiter *rate.Limiter
	flight  singleflight.Group
	opts    Options

	mu         sync.Mutex
	state      State
	online     bool
	deviceID   string
	userID     string
	seq        uint64
	clock      VectorClock
	applied    uint64
	conflicts  uint64
	lastSyncAt *time.Time
}

// New opens the durable op log at dbPath and wires the remote store.
func New(dbPath string, remote RemoteOpStore, ce *crypto.Engine, optFns ...func(o *Options)) (*Syncer, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	log, err := openOpLog(dbPath)
	if err != nil {
		return nil, err
	}

	return &Syncer{
		log:     log,
		remote:  remote,
		crypto:  ce,
		logger:  opts.Logger,
		limiter: rate.NewLimiter(opts.UploadLimit, 1),
		opts:    opts,
		state:   StateUninitialized,
		online:  true,
		clock:   make(VectorClock),
	}, nil
}

// Close releases the op log.
func (s *Syncer) Close() error {
	return s.log.Close()
}

// Initialize registers this device for the user, restoring a previous
// device identity and clock when one exists.
func (s *Syncer) Initialize(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID, err := s.log.GetState(ctx, stateKeyDeviceID)
	if err != nil {
		return err
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
		if err := s.log.SetState(ctx, stateKeyDeviceID, deviceID); err != nil {
			return err
		}
	}

	storedUser, err := s.log.GetState(ctx, stateKeyUserID)
	if err != nil {
		return err
	}
	if storedUser != "" && storedUser != userID {
		return fmt.Errorf("op log belongs to a different user")
	}
	if err := s.log.SetState(ctx, stateKeyUserID, userID); err != nil {
		return err
	}

	if raw, err := s.log.GetState(ctx, stateKeySeq); err != nil {
		return err
	} else if raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &s.seq); err != nil {
			return fmt.Errorf("corrupt seq state: %w", err)
		}
	}

	if raw, err := s.log.GetState(ctx, stateKeyClock); err != nil {
		return err
	} else if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.clock); err != nil {
			return fmt.Errorf("corrupt clock state: %w", err)
		}
	}

	s.deviceID = deviceID
	s.userID = userID
	s.state = StateRegistered
	s.logger.Info("sync engine registered", "device_id", deviceID, "user_id", userID, "seq", s.seq)
	return nil
}

// DeviceID returns this device's identity; empty before Initialize.
func (s *Syncer) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// SetOnline toggles the offline flag. Going offline suspends network
// actions without losing queued operations.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
	s.logger.Debug("sync online flag changed", "online", online)
}

// Online reports the offline gate.
func (s *Syncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// CreateOperation records a local mutation in the replicated log. The
// payload is encrypted under the DEK and signed before it is persisted.
func (s *Syncer) CreateOperation(ctx context.Context, opType OperationType, memoryID string, payload []byte) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUninitialized {
		return nil, ErrNotRegistered
	}

	dek, err := s.crypto.DEK()
	if err != nil {
		return nil, err
	}

	var ciphertext, iv []byte
	if payload != nil {
		ciphertext, iv, err = s.crypto.EncryptWithDEK(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt operation payload: %w", err)
		}
	}

	s.seq++
	s.clock.Tick(s.deviceID)

	op := &Operation{
		ID:        ulid.Make().String(),
		DeviceID:  s.deviceID,
		Seq:       s.seq,
		Type:      opType,
		MemoryID:  memoryID,
		Payload:   ciphertext,
		IV:        iv,
		Clock:     s.clock.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	op.Sign(dek)

	if err := s.log.Append(ctx, op, true); err != nil {
		return nil, err
	}
	if err := s.persistCounters(ctx); err != nil {
		return nil, err
	}

	// A local write also owns the memory id for conflict resolution.
	if err := s.log.SetAppliedWinner(ctx, memoryID, op.DeviceID, op.Seq, op.Clock); err != nil {
		return nil, err
	}

	return op, nil
}

func (s *Syncer) persistCounters(ctx context.Context) error {
	if err := s.log.SetState(ctx, stateKeySeq, fmt.Sprintf("%d", s.seq)); err != nil {
		return err
	}
	clockJSON, err := json.Marshal(s.clock)
	if err != nil {
		return err
	}
	return s.log.SetState(ctx, stateKeyClock, string(clockJSON))
}

// checkReady gates network actions on registration and the offline flag,
// returning the registered user id.
func (s *Syncer) checkReady() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUninitialized {
		return "", ErrNotRegistered
	}
	if !s.online {
		return "", ErrOffline
	}
	return s.userID, nil
}

// ProcessUploadQueue pushes pending local operations to the remote store in
// bounded batches. Each operation is retried across calls up to the retry
// ceiling, then marked permanently failed without deleting the local row.
func (s *Syncer) ProcessUploadQueue(ctx context.Context) error {
	userID, err := s.checkReady()
	if err != nil {
		return err
	}

	for {
		ops, err := s.log.PendingUploads(ctx, s.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		progress := false
		for _, op := range ops {
			callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
			err := s.remote.Upload(callCtx, userID, op)
			cancel()

			if err == nil {
				if err := s.log.MarkUploaded(ctx, op.ID); err != nil {
					return err
				}
				progress = true
				continue
			}

			attempts, aerr := s.log.RecordAttempt(ctx, op.ID)
			if aerr != nil {
				return aerr
			}
			if attempts >= s.opts.RetryCeiling {
				s.logger.Error("operation upload permanently failed",
					"op_id", op.ID, "memory_id", op.MemoryID, "attempts", attempts, "error", err)
				if err := s.log.MarkFailed(ctx, op.ID); err != nil {
					return err
				}
				progress = true
				continue
			}
			s.logger.Warn("operation upload failed, will retry",
				"op_id", op.ID, "attempts", attempts, "error", err)
		}

		// Operations that failed below the ceiling stay pending; stop so
		// the next cycle retries them instead of spinning here.
		if !progress {
			return nil
		}
	}
}

// DownloadAndApply fetches unseen remote operations, verifies and decrypts
// each, resolves conflicts last-writer-wins per memory id, applies the
// winners through applyFn, then advances cursors and merges remote
// sequence numbers into the local clock.
func (s *Syncer) DownloadAndApply(ctx context.Context, applyFn ApplyFunc) error {
	userID, err := s.checkReady()
	if err != nil {
		return err
	}

	dek, err := s.crypto.DEK()
	if err != nil {
		return err
	}

	cursors, err := s.log.Cursors(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	ops, err := s.remote.Download(callCtx, userID, s.DeviceID(), cursors)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to download operations: %w", err)
	}

	for _, op := range ops {
		if err := op.Verify(dek); err != nil {
			s.logger.Error("rejecting operation with bad checksum", "op_id", op.ID, "device_id", op.DeviceID)
			return err
		}

		var plaintext []byte
		if op.Payload != nil {
			plaintext, err = s.crypto.DecryptWithDEK(op.Payload, op.IV)
			if err != nil {
				return fmt.Errorf("failed to decrypt operation %s: %w", op.ID, err)
			}
		}

		if err := s.log.Append(ctx, op, false); err != nil {
			return err
		}

		prevDevice, prevSeq, prevClock, ok, err := s.log.AppliedWinner(ctx, op.MemoryID)
		if err != nil {
			return err
		}
		wins := !ok || op.supersedes(prevDevice, prevSeq, prevClock)
		if ok && op.Clock.Compare(prevClock) == OrderConcurrent {
			s.mu.Lock()
			s.conflicts++
			s.mu.Unlock()
			winner, loser := op.DeviceID, prevDevice
			if !wins {
				winner, loser = prevDevice, op.DeviceID
			}
			s.logger.Info("concurrent edit resolved",
				"memory_id", op.MemoryID, "winner", winner, "loser", loser)
		}

		if wins {
			if err := applyFn(ctx, op, plaintext); err != nil {
				return fmt.Errorf("failed to apply operation %s: %w", op.ID, err)
			}
			if err := s.log.SetAppliedWinner(ctx, op.MemoryID, op.DeviceID, op.Seq, op.Clock); err != nil {
				return err
			}
			s.mu.Lock()
			s.applied++
			s.mu.Unlock()
		}

		if err := s.log.AdvanceCursor(ctx, op.DeviceID, op.Seq); err != nil {
			return err
		}
		s.mu.Lock()
		s.clock.Merge(VectorClock{op.DeviceID: op.Seq})
		s.mu.Unlock()
	}

	if len(ops) > 0 {
		s.mu.Lock()
		err = s.persistCounters(ctx)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.logger.Debug("applied remote operations", "count", len(ops))
	}
	return nil
}

// Sync runs one upload+download cycle. Concurrent callers share a single
// in-flight cycle; a cycle never runs twice in parallel.
func (s *Syncer) Sync(ctx context.Context, applyFn ApplyFunc) error {
	_, err, _ := s.flight.Do("sync", func() (any, error) {
		if _, err := s.checkReady(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.state = StateSyncing
		s.mu.Unlock()
		defer func() {
			now := time.Now().UTC()
			s.mu.Lock()
			s.state = StateIdle
			s.lastSyncAt = &now
			s.mu.Unlock()
		}()

		if err := s.ProcessUploadQueue(ctx); err != nil {
			return nil, err
		}
		return nil, s.DownloadAndApply(ctx, applyFn)
	})
	return err
}

// Stats reports sync progress.
func (s *Syncer) Stats(ctx context.Context) (Stats, error) {
	logStats, err := s.log.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:         s.state,
		Online:        s.online,
		DeviceID:      s.deviceID,
		UserID:        s.userID,
		Seq:           s.seq,
		Clock:         s.clock.Clone(),
		TotalOps:      logStats.Total,
		PendingUpload: logStats.PendingUpload,
		Uploaded:      logStats.Uploaded,
		Failed:        logStats.Failed,
		Applied:       s.applied,
		Conflicts:     s.conflicts,
		LastSyncAt:    s.lastSyncAt,
	}, nil
}
