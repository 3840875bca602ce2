// Package stores provides the persistence layer of the ACS.
//
// SQLiteStore keeps three kinds of state in a single SQLite database:
//
//   - device tags, committed once per session (engine.TagRepository)
//   - the last known parameter snapshot of every device, used to seed the
//     cache of the next session (engine.ParameterRepository)
//   - session history with applied, failed and denied writes and the rule
//     log (engine.SessionRecorder)
//
// File databases run in WAL mode with foreign keys enabled. Schema changes
// are embedded migrations applied with golang-migrate.
package stores
