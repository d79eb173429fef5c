// Package tokenizer provides token counting for chunk sizing and context
// budgeting.
//
// The default counter is a character-ratio estimator: token counts it
// produces are estimates, not exact counts, and all downstream budgets are
// sized with that in mind. A tiktoken-backed counter can be registered for
// models where exact counts matter.
package tokenizer
