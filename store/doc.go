// Package store implements the persistent store boundary for the pipeline:
// Sources, Chunks, Embeddings, UsageRecords and TrainingJobs, plus the
// agent-scoped similarity-search primitive over stored embeddings.
//
// The reference implementation is GORM-backed and runs against SQLite or
// PostgreSQL. Schema is owned by AutoMigrate; any store satisfying the
// Store interface and the documented invariants can be substituted.
package store
