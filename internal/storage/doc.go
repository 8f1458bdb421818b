// Package storage provides the optional dead-letter archive.
//
// The broker's in-memory dead-letter store is bounded and evicts oldest
// entries; the archive keeps a durable copy for post-mortem inspection.
// It is write-only from the broker's perspective and never replayed.
package storage
