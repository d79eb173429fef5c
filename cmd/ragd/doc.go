// Command ragd serves the retrieval-augmented answering pipeline over
// HTTP: chat (JSON and SSE), source ingestion, health, and a separate
// metrics listener.
package main
