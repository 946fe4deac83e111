// Package database opens the SQLite file that holds twin documents, alert
// dead letters and the operator audit trail, and applies the embedded
// schema migrations.
//
// A single connection is kept open so writers are serialised in-process.
// WAL mode keeps external readers such as backup tools from blocking it. Migration
// files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and are
// additive only.
package database
