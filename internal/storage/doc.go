// Package storage is the persistence layer behind the relay.
//
// It answers the few catalog lookups the relay needs (watch-list, display names,
// name search, graph flags) and keeps an append-only audit of privileged commands.
//
// Drivers:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": a YAML catalog snapshot plus a JSON Lines audit log
//   - "" or "none": an empty catalog; audit entries are discarded
package storage
