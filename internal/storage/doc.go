// Package storage persists the job event history so operators can see what
// happened to a post after the engine has pruned it from memory.
//
// Two drivers:
//   - "file": JSON Lines journal, compacted on Prune
//   - "sqlite": SQLite database via modernc.org/sqlite (pure Go)
package storage
