// Package chunker splits cleaned source text into retrieval-sized chunks.
//
// Splitting is structure-aware: the chunker classifies the text (code, list,
// table, heading, paragraph) and its complexity, adjusts the target size
// accordingly, and cuts along the strongest structural boundary available,
// falling back to sentence splits and finally to hard size cuts. A trailing
// sentence overlap is carried into the next chunk so context survives the
// boundary. Degenerate chunks (too small, or below the heuristic quality
// floor) are dropped.
//
// Token counts come from the tokenizer package's estimator and are
// approximations, not exact model token counts.
package chunker
