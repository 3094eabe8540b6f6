// Package record defines the memory data model shared by the store, the
// ranker, the sync engine and the snapshot codec.
package record
