// Package twin stores the per-device digital twin documents.
//
// A document has two independently owned property sets: desired, written by
// operators and automation, and reported, written by the device's
// reconciler. Every update carries the etag the writer last read; a stale
// etag fails with ErrConflict and the writer must re-read before trying
// again. Documents are created empty on first reference.
//
// Three backends implement Store:
//   - SQLiteStore: twins table, integer version as etag
//   - KVStore: JetStream key-value bucket, entry revision as etag
//   - MemoryStore: in-process, for development and tests
//
// Property values pass through JSON in every backend, so numbers read back
// as float64 regardless of where they are stored. Use Int and String to
// read typed values.
package twin
