package memvault

import (
	"errors"
	"fmt"

	"github.com/memvault/memvault/ann"
	"github.com/memvault/memvault/crypto"
	"github.com/memvault/memvault/snapshot"
	"github.com/memvault/memvault/store"
	"github.com/memvault/memvault/syncer"
)

var (
	// ErrNotInitialized is returned when an engine method is called before
	// Init.
	ErrNotInitialized = errors.New("engine not initialized")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")

	// ErrLocked is returned when a crypto-dependent operation is attempted
	// while the engine is locked.
	ErrLocked = errors.New("engine is locked")

	// ErrInvalidSecret is returned for a wrong passphrase or session token
	// on unlock and rotate. Wrong-salt and wrong-secret are deliberately
	// indistinguishable.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrNotFound is returned for unknown memory ids.
	ErrNotFound = errors.New("memory not found")

	// ErrCapacityExceeded is returned when the vector index is full. The
	// insert is skipped; the record itself is kept.
	ErrCapacityExceeded = errors.New("index capacity exceeded")

	// ErrIntegrityFailure is returned when a snapshot's signature or
	// integrity hash does not verify. Nothing is restored.
	ErrIntegrityFailure = errors.New("snapshot integrity failure")

	// ErrStorageQuota is returned when persisted state exceeds the
	// configured quota. Operations continue in memory.
	ErrStorageQuota = errors.New("storage quota exceeded")

	// ErrSyncDisabled is returned when a sync action is requested while
	// sync is not enabled.
	ErrSyncDisabled = errors.New("sync is not enabled")
)

// translateError maps subsystem errors onto the engine's taxonomy so
// callers only ever match against this package's sentinels.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, crypto.ErrLocked):
		return fmt.Errorf("%w: %w", ErrLocked, err)
	case errors.Is(err, crypto.ErrInvalidSecret), errors.Is(err, crypto.ErrNoWrappedDEK):
		return fmt.Errorf("%w: %w", ErrInvalidSecret, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrKeyMismatch):
		return fmt.Errorf("%w: %w", ErrInvalidSecret, err)
	case errors.Is(err, ann.ErrCapacityExceeded):
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	case errors.Is(err, snapshot.ErrIntegrityFailure):
		return fmt.Errorf("%w: %w", ErrIntegrityFailure, err)
	case errors.Is(err, syncer.ErrChecksumMismatch):
		return fmt.Errorf("%w: %w", ErrIntegrityFailure, err)
	}

	return err
}
