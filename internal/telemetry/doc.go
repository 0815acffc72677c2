// Package telemetry is the ingest path for tag readings.
//
// A reading arriving from the relay is validated, published to live
// viewers through the subscription router, then appended to the telemetry
// store. Publishing happens first and is never retracted: a reading that
// fails to persist is still visible to viewers, and the failure is logged,
// counted and reported back to the caller.
//
// Two stores are provided: SQLiteStore (the default, sharing the gateway
// database) and InfluxStore (time-series sink). Readings for devices the
// gateway has never seen are accepted by both.
package telemetry
