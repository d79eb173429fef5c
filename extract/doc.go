// Package extract turns raw HTML markup into clean plain text, a title and
// an excerpt suitable for downstream chunking.
//
// Extraction prefers explicit content landmarks (article, main, role=main),
// falls back to the densest element subtree by text length, and on any parse
// problem degrades to extracting all body text. Extract never returns an
// error: a broken document produces an empty result, not a failed ingestion.
package extract
