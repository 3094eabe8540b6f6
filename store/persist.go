package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/memvault/memvault/blobstore"
	"github.com/memvault/memvault/record"
)

// snapshotVersion is bumped whenever the persisted record layout changes.
const snapshotVersion = 1

type storeSnapshot struct {
	Version int                         `json:"version"`
	Rev     uint64                      `json:"rev"`
	Records []*record.LocalMemoryRecord `json:"records"`
}

// Export serializes all records, tombstones included, in their stored
// (possibly encrypted) form.
func (s *Store) Export() ([]byte, error) {
	snap := storeSnapshot{
		Version: snapshotVersion,
		Rev:     s.rev,
		Records: make([]*record.LocalMemoryRecord, 0, len(s.records)),
	}
	for _, id := range s.sortedIDs() {
		snap.Records = append(snap.Records, s.records[id])
	}
	return s.codec.Marshal(snap)
}

// Import replaces the store contents wholesale. Importing the same payload
// twice yields the same state.
func (s *Store) Import(data []byte) error {
	var snap storeSnapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode store snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported store snapshot version %d", snap.Version)
	}

	records := make(map[string]*record.LocalMemoryRecord, len(snap.Records))
	for _, r := range snap.Records {
		if r.ID == "" {
			return errors.New("store snapshot contains record without id")
		}
		records[r.ID] = r
	}

	// Sealed records must decrypt under the current DEK before they may
	// displace the existing state. While locked they cannot be checked and
	// stay invisible until the next unlock.
	if s.crypto != nil && s.crypto.Unlocked() {
		for _, r := range snap.Records {
			if !r.Encryption.Encrypted {
				continue
			}
			if _, err := s.open(r); err != nil {
				return fmt.Errorf("%w: record %s", ErrKeyMismatch, r.ID)
			}
		}
	}

	s.records = records
	if snap.Rev > s.rev {
		s.rev = snap.Rev
	}
	return nil
}

// All returns stored records in id order, in their stored form.
// Callers must not mutate the returned records.
func (s *Store) All() []*record.LocalMemoryRecord {
	out := make([]*record.LocalMemoryRecord, 0, len(s.records))
	for _, id := range s.sortedIDs() {
		out = append(out, s.records[id])
	}
	return out
}

// LiveEmbeddings yields id and plaintext embedding for every live record
// that has one. Used to rebuild the vector index.
func (s *Store) LiveEmbeddings() ([]string, [][]float32, error) {
	unlocked := s.crypto != nil && s.crypto.Unlocked()

	var ids []string
	var vecs [][]float32
	for _, id := range s.sortedIDs() {
		r := s.records[id]
		if r.IsDeleted() {
			continue
		}
		if r.Encryption.Encrypted && !unlocked {
			continue
		}
		open, err := s.open(r)
		if err != nil {
			return nil, nil, err
		}
		if open.Embedding == nil {
			continue
		}
		ids = append(ids, id)
		vecs = append(vecs, open.Embedding)
	}
	return ids, vecs, nil
}

// Save writes the store to the blob store under name.
func (s *Store) Save(ctx context.Context, blobs blobstore.Store, name string) error {
	data, err := s.Export()
	if err != nil {
		return err
	}
	if err := blobs.Put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to persist records: %w", err)
	}
	s.logger.Debug("records persisted", "name", name, "count", len(s.records))
	return nil
}

// Load reads the store from the blob store. A missing blob leaves the store
// empty and returns (false, nil).
func (s *Store) Load(ctx context.Context, blobs blobstore.Store, name string) (bool, error) {
	data, err := blobs.Get(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load records: %w", err)
	}
	if err := s.Import(data); err != nil {
		return false, err
	}
	s.logger.Debug("records loaded", "name", name, "count", len(s.records))
	return true, nil
}
