// Package ingest runs documents through extraction, archival compression,
// chunking, deduplication, and embedding into the store, tracking phase
// timings and training job progress along the way.
package ingest
