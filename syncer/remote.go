package syncer

import (
	"context"
	"sort"
	"sync"
)

// RemoteOpStore is the server side of the op log. Implementations must be
// safe for concurrent use by multiple devices.
type RemoteOpStore interface {
	// Upload stores one operation for the user. Uploading the same
	// operation id twice must be idempotent.
	Upload(ctx context.Context, userID string, op *Operation) error
	// Download returns operations for the user from devices other than
	// excludeDeviceID, with per-device sequence numbers strictly greater
	// than the given cursors. Results are ordered by (device id, seq).
	Download(ctx context.Context, userID, excludeDeviceID string, cursors map[string]uint64) ([]*Operation, error)
}

// MemoryRemote is an in-process RemoteOpStore for tests and local
// multi-device simulation.
type MemoryRemote struct {
	mu  sync.Mutex
	ops map[string]map[string]*Operation // userID -> opID -> op
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{ops: make(map[string]map[string]*Operation)}
}

func (m *MemoryRemote) Upload(_ context.Context, userID string, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ops[userID] == nil {
		m.ops[userID] = make(map[string]*Operation)
	}
	m.ops[userID][op.ID] = op
	return nil
}

func (m *MemoryRemote) Download(_ context.Context, userID, excludeDeviceID string, cursors map[string]uint64) ([]*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Operation
	for _, op := range m.ops[userID] {
		if op.DeviceID == excludeDeviceID {
			continue
		}
		if op.Seq <= cursors[op.DeviceID] {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Len reports the number of stored operations for a user.
func (m *MemoryRemote) Len(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops[userID])
}
