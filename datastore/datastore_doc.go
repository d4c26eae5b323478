// Package datastore implements interfaces.Store.
//
// Three implementations are provided:
//
//   - MemoryStore keeps everything in process memory behind a single mutex.
//     It backs tests and single-node development runs (database-url memory://).
//   - SQLStore persists to PostgreSQL or MySQL through gorm. Token consumption
//     and command claiming use conditional updates and row locks so concurrent
//     relay replicas never double-consume a token or double-deliver a command.
//   - RedisTokenStore keeps registration tokens in Redis with native expiry and
//     consumes them with a server-side script. WithTokenStore swaps it into
//     another store.
//
// Open selects an implementation from a database URL.
package datastore
