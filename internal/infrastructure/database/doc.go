// Package database opens the gateway's SQLite file and keeps its schema
// current.
//
// Gateways, devices, registration history and (with the SQLite telemetry
// sink) readings share one database. Repositories take the embedded
// *sql.DB; this package only owns connection setup, health checks and
// migrations.
//
// Migrations are registered by importing the migrations package for its
// side effect. Each step is a pair of files named
// YYYYMMDD_HHMMSS_name.up.sql and .down.sql, applied in version order and
// tracked in schema_migrations:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	...
//	err = db.Migrate(ctx)
package database
