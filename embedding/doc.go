// Package embedding turns text into vectors via pluggable HTTP providers.
//
// Providers share BaseProvider for request plumbing and error mapping.
// Router fans document batches out under a shared rate limit and retry
// policy, and records token usage per call. A failed batch fails the
// entire call so callers never persist a partial vector set.
package embedding
