// Package types defines the shared error taxonomy and identifiers used
// across the ingestion and query pipelines.
package types
