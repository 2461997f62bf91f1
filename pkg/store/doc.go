// Package store persists projects, environments, configurations and their
// version history in SQLite.
//
// The store is the single source of truth for lifecycle state. State
// transitions go through CompareAndSwapState, so a concurrent writer that
// raced past always surfaces as a Conflict rather than a silent overwrite.
// Version numbers come from a per-configuration high-water mark and are
// never reused, even after versions are deleted.
//
// The schema is managed with embedded golang-migrate migrations; call
// Migrate after Init.
package store
