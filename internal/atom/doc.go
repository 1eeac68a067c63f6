// Package atom implements the versioned store: immutable atoms and the
// mutable references (single, range, collection) that point at their heads.
//
// Writes go to durable storage first and only then into the in-memory
// caches, so a crash between the two is repaired by reading through to
// storage on the next access. Reference updates are last-write-wins by lock
// acquisition order; there is no optimistic concurrency token.
//
// Every successful create or update publishes an event on the bus when one
// is configured. Publishing never fails the write.
package atom
