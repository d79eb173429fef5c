package rag

import (
	"fmt"
	"strings"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/query"
)

const promptPreamble = "You are a helpful assistant for this knowledge base. " +
	"Answer the user's question using only the context below. " +
	"When the context does not contain the answer, say so plainly instead of guessing."

const promptNoContext = "You are a helpful assistant for this knowledge base. " +
	"No relevant context was found for this question. " +
	"Answer from general knowledge only if you are confident, and say so when you are not."

// buildSystemPrompt renders the retrieved context as numbered excerpts
// grouped under their source titles. Chunks appear in reading order
// within each source.
func buildSystemPrompt(bundle *query.ContextBundle) string {
	if bundle == nil || len(bundle.Results) == 0 {
		return promptNoContext
	}

	results := make([]query.ScoredResult, len(bundle.Results))
	copy(results, bundle.Results)
	query.SortByChunkIndex(results)

	var sb strings.Builder
	sb.WriteString(promptPreamble)
	sb.WriteString("\n\nContext:\n")
	lastSource := ""
	n := 0
	for _, r := range results {
		if r.Source.ID != lastSource {
			n++
			title := r.Source.Title
			if title == "" {
				title = "Untitled source"
			}
			fmt.Fprintf(&sb, "\n[%d] %s\n", n, title)
			lastSource = r.Source.ID
		}
		sb.WriteString(r.Chunk.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
