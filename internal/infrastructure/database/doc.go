// Package database provides the SQLite store backing PrintMesh Core's
// local state. Its main consumer is the transfer history repository;
// everything the daemon persists lives in one database file.
//
// The wrapper adds three things over database/sql:
//   - Embedded, versioned schema migrations applied at startup
//   - A health check the daemon runs next to the broker check
//   - WAL mode and busy-timeout pragmas tuned for a single-writer service
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, embedded by the migrations package. Each
// applies in its own transaction and is recorded in schema_migrations,
// so reruns are idempotent.
package database
