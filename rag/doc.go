// Package rag drives one chat turn end to end: validate the request,
// consult the answer cache, retrieve ranked context, generate via the
// LLM router, and assemble the cited answer, streaming or not.
package rag
