// Package store is the engine's durable backing store (sqlite).
//
// It is pure persistence: no retry policy, no scheduling decisions. The one
// piece of coordination it provides is atomic conditional status transitions
// (ClaimItem, MarkSent, MarkDelivery, BeginExecution): every concurrent
// trigger in the engine relies on those compare-and-set updates instead of
// mutual exclusion.
//
// The database runs in WAL mode with a single writer connection, which is
// the right shape for one bounded per-device queue.
package store
