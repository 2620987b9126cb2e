// Package lock provides distributed mutual exclusion backed by a remote
// key-value store. Two variants share the Locker contract: Polling builds the
// lock from conditional sets plus client side polling and repairs records
// left behind by crashed holders, while Managed delegates to a Service that
// offers blocking acquisition, fair ordering, reentrancy and lease renewal.
//
// The variant is chosen once with NewLocker. Lock keys always live in their
// own unbucketed namespace so that two lock names can never share a record.
package lock
