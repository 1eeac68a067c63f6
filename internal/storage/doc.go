// Package storage is the durable key-ordered byte store underneath strata.
//
// Data is split into named trees (atoms, refs, schemas, transforms, queue).
// Every backend offers point get/put/delete, key-ordered prefix scans and
// atomic multi-key batches. A missing key is reported as (nil, false, nil),
// never as an error.
//
// Two backends exist:
//   - SQLite (default on disk): one WITHOUT ROWID table keyed by (tree, key),
//     WAL journal, single connection
//   - LevelDB: one prefix byte per tree; Memory() opens an in-memory
//     LevelDB used by tests and throwaway nodes
package storage
