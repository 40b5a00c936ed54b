// Package provenance provides the persistence layer for Slateboard's
// execution history. It includes SQLite-based storage with WAL mode,
// connection pooling, an append-only activity log queryable by widget
// and time range, and run and event records.
package provenance
