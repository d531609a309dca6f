// Package stores provides the durable persistence layer for the executor.
//
// SQLiteStore keeps action cache entries, the DepSet nodes their outputs
// reference, the cache generation and an execution log in a single SQLite
// database running in WAL mode. Schema changes are applied through embedded
// golang-migrate migrations.
//
// DepSet nodes are stored once per structural hash together with their
// child edges, so output trees shared between entries cost one row per
// distinct node. Loading an entry rebuilds its output DepSet and verifies
// every node hash on the way.
package stores
