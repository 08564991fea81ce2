package storage

// Package storage persists the dispatch journal: one row per message
// outcome (released, rejected, abandoned). It is an audit trail for
// diagnostics; pending messages are never persisted.
