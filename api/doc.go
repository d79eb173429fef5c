// Package api exposes the HTTP surface: chat (JSON and SSE), source
// ingestion, and health endpoints, all sharing one response envelope.
package api
