// Package memvault is an on-device encrypted memory engine for personal AI
// assistants.
//
// Memvault stores memory records encrypted at rest with AES-256-GCM,
// retrieves them through a ranked, diversity-aware pipeline backed by an
// HNSW vector index, and replicates them across a user's devices through an
// encrypted operation log with vector-clock conflict resolution.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, _ := memvault.New(memvault.WithDataDir("./data"))
//	_ = eng.Init(ctx)
//	_ = eng.SetupEncryption(ctx, "correct horse battery staple")
//
//	rec, _ := eng.AddMemory(ctx, &record.MemoryRecord{
//	    Content: "prefers window seats on long flights",
//	}, nil)
//
//	results, _ := eng.Retrieve(ctx, "seat preference", memvault.RetrieveOptions{
//	    MaxResults: 5,
//	})
//	for _, r := range results {
//	    fmt.Println(r.Candidate.ID, r.Score)
//	}
//
// # Lock Model
//
// The data encryption key lives in memory only while the engine is
// unlocked. Lock zeroes it; encrypted records then become invisible to
// every query until Unlock. Records added while locked are stored in
// plaintext as a degraded mode and are sealed on the next unlock.
//
//	_ = eng.Lock(ctx)
//	candidates, _ := eng.GetCandidates(ctx, "", 0, 0) // encrypted records absent
//	_ = eng.Unlock(ctx, "correct horse battery staple")
//
// # Sync
//
// Devices exchange signed, encrypted operations through a shared remote op
// store. Conflicts resolve last-writer-wins under vector-clock causality,
// so all devices converge on the same state.
//
//	remote, _ := dynamodb.NewFromDefaultConfig(ctx, "memvault-ops")
//	_ = eng.EnableSync(ctx, remote, "user-123")
//	_ = eng.TriggerSync(ctx)
//
// # Snapshots
//
// CreateSnapshot produces a single signed, encrypted blob holding the full
// record set, the vector index, and the wrapped key, suitable for backup or
// device migration. RestoreSnapshot refuses tampered input before touching
// any state.
//
// # Key Features
//
//   - AES-256-GCM at rest, PBKDF2 passphrase or session-token key wrapping
//   - Ranked retrieval: cosine similarity, salience, recency, reuse cooldown
//   - MMR diversification with near-duplicate suppression
//   - HNSW approximate nearest-neighbour index with rebuild lifecycle
//   - Multi-device sync over DynamoDB with offline queueing
//   - Signed snapshots with zstd/lz4 compression
package memvault
