// Package llm adapts upstream chat APIs behind a single Provider
// interface and routes calls between them.
//
// Providers speak their native HTTP protocols (OpenAI Chat Completions,
// Anthropic Messages) including SSE streaming. Router adds provider
// selection with capability fallback, per-call timeouts, bounded retry
// for synchronous calls, and usage accounting. Streams returned by the
// router always deliver exactly one completion event carrying usage,
// even when the caller cancels mid-stream.
package llm
