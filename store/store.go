// Package store provides persistence implementations for the engine.
// The EphemeralStore and ExecutionLedger interfaces are defined in the parent
// actionflow package (../store_interface.go) to avoid import cycles.
//
// Ephemeral (TTL-bound) stores:
//   - RedisStore: shared store for multi-process deployments
//   - MemoryStore: in-process backend for tests and single-node runs
//
// Execution ledgers:
//   - DynamoDBLedger: AWS DynamoDB backend, schema in schema.go
//   - SQLLedger: SQLite or PostgreSQL through database/sql
//   - MemoryLedger: in-memory backend for testing
package store
