// Package ir provides the foundational value and record types for strata.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal, which keeps it
// the bottom layer of the dependency graph.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Atoms are immutable once written; revisions link backwards via PrevAtomUUID
//   - All JSON tags use snake_case
//   - Content-addressed identifiers (change fingerprints) use canonical JSON
//     and SHA-256 with domain separation
package ir
