// Package stores persists build requests in SQLite.
//
// The store is the audit sink of the lifecycle engine: every state change is
// a check-and-set UPDATE guarded by the expected current state, committed in
// the same transaction as its audit record. Plan and apply attempts, IP
// allocations and VM name reservations live alongside the requests. Schema
// changes are embedded migrations applied with golang-migrate.
package stores
