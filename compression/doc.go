// Package compression classifies source content and compresses archived
// text before storage.
//
// Compress tries an ordered list of strategies: dictionary-assisted deflate,
// then run-length encoding, then passthrough. The first strategy that
// succeeds and actually shrinks the input wins; passthrough always succeeds
// with ratio 1.0, so compression can never block ingestion. The method that
// produced the stored bytes is recorded alongside them.
package compression
