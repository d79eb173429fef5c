// Package dedup computes stable content hashes at chunk and sentence
// granularity and suppresses exact duplicates before storage.
//
// Hashes are sha256 over normalized text (trimmed, lowercased, whitespace
// collapsed). Duplicates are never deleted; they are marked with a
// back-reference to the canonical chunk so provenance stays auditable.
// Batch filtering holds a per-agent lock so two concurrent ingests cannot
// both admit the same hash as canonical.
package dedup
