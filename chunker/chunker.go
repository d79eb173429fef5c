package chunker

import (
	"strings"

	"go.uber.org/zap"

	"github.com/dabbishpuppy/react.chatastic.ai-sub002/tokenizer"
)

// Options controls chunk sizing. All sizes are in estimated tokens.
type Options struct {
	TargetSize    int  `json:"target_size"`
	MaxSize       int  `json:"max_size"`
	MinSize       int  `json:"min_size"`
	OverlapSize   int  `json:"overlap_size"`
	DynamicSizing bool `json:"dynamic_sizing"`
}

// DefaultOptions returns production chunk sizing.
func DefaultOptions() Options {
	return Options{
		TargetSize:    512,
		MaxSize:       800,
		MinSize:       30,
		OverlapSize:   100,
		DynamicSizing: true,
	}
}

func normalizeOptions(opts Options) Options {
	def := DefaultOptions()
	if opts.TargetSize <= 0 {
		opts.TargetSize = def.TargetSize
	}
	if opts.MaxSize <= 0 || opts.MaxSize < opts.TargetSize {
		opts.MaxSize = opts.TargetSize + opts.TargetSize/2
	}
	if opts.MinSize <= 0 {
		opts.MinSize = def.MinSize
	}
	if opts.OverlapSize < 0 {
		opts.OverlapSize = 0
	}
	return opts
}

// Chunk is one retrieval-sized slice of a source.
type Chunk struct {
	Index        int           `json:"index"`
	Content      string        `json:"content"`
	TokenCount   int           `json:"token_count"`
	ContentType  StructureType `json:"content_type"`
	Complexity   Complexity    `json:"complexity"`
	QualityScore float64       `json:"quality_score"`
	Keywords     []string      `json:"keywords,omitempty"`
}

// minQualityScore is the floor below which a candidate chunk is dropped.
const minQualityScore = 0.25

const keywordsPerChunk = 5

// Chunker splits cleaned text into chunks.
type Chunker struct {
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// NewChunker creates a chunker. A nil tokenizer falls back to the generic
// estimator.
func NewChunker(tok tokenizer.Tokenizer, logger *zap.Logger) *Chunker {
	if tok == nil {
		tok = tokenizer.NewEstimator("", 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		tokenizer: tok,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// CreateChunks splits text into chunks per the options. Returned chunk
// indices are contiguous starting at 0.
func (c *Chunker) CreateChunks(text string, opts Options) []Chunk {
	opts = normalizeOptions(opts)

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	structure := classifyStructure(text)
	complexity := classifyComplexity(text)

	target, max := opts.TargetSize, opts.MaxSize
	if opts.DynamicSizing {
		target, max = adjustSizes(target, max, structure, complexity)
	}

	segments := c.splitStructural(text, structure, max)
	candidates := c.accumulate(segments, target, max)
	if opts.OverlapSize > 0 {
		candidates = c.applyOverlap(candidates, opts.OverlapSize)
	}

	chunks := make([]Chunk, 0, len(candidates))
	dropped := 0
	for _, content := range candidates {
		tokens := c.countTokens(content)
		score := qualityScore(content)
		if tokens < opts.MinSize || score < minQualityScore {
			dropped++
			continue
		}
		chunks = append(chunks, Chunk{
			Index:        len(chunks),
			Content:      content,
			TokenCount:   tokens,
			ContentType:  structure,
			Complexity:   complexity,
			QualityScore: score,
			Keywords:     topicKeywords(content, keywordsPerChunk),
		})
	}

	c.logger.Debug("chunks created",
		zap.String("structure", string(structure)),
		zap.String("complexity", string(complexity)),
		zap.Int("target_size", target),
		zap.Int("chunks", len(chunks)),
		zap.Int("dropped", dropped))

	return chunks
}

// splitStructural cuts text at the strongest boundary for its structure.
// Segments that still exceed max tokens are sentence-split, and single
// sentences beyond max are hard-cut.
func (c *Chunker) splitStructural(text string, structure StructureType, max int) []string {
	var raw []string
	switch structure {
	case StructureCode:
		raw = splitCodeBlocks(text)
	case StructureList:
		raw = splitListItems(text)
	case StructureTable:
		raw = splitRowGroups(text)
	case StructureHeading:
		raw = splitHeadingSections(text)
	default:
		raw = splitParagraphs(text)
	}

	var segments []string
	for _, seg := range raw {
		if c.countTokens(seg) <= max {
			segments = append(segments, seg)
			continue
		}
		for _, sentence := range splitSentences(seg) {
			if c.countTokens(sentence) <= max {
				segments = append(segments, sentence)
				continue
			}
			segments = append(segments, c.hardCut(sentence, max)...)
		}
	}
	return segments
}

// accumulate greedily packs segments into chunks up to the target size.
func (c *Chunker) accumulate(segments []string, target, max int) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentTokens = 0
	}

	for _, seg := range segments {
		segTokens := c.countTokens(seg)
		if currentTokens > 0 && currentTokens+segTokens > target {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(seg)
		currentTokens += segTokens

		if currentTokens >= max {
			flush()
		}
	}
	flush()

	return chunks
}

// applyOverlap prepends the trailing sentences of each chunk (up to
// overlapTokens) to the next one.
func (c *Chunker) applyOverlap(chunks []string, overlapTokens int) []string {
	if len(chunks) <= 1 {
		return chunks
	}

	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		overlap := c.trailingSentences(chunks[i-1], overlapTokens)
		if overlap != "" {
			out[i] = overlap + "\n" + chunks[i]
		} else {
			out[i] = chunks[i]
		}
	}
	return out
}

// trailingSentences returns the last sentences of text whose combined
// estimated size stays within budget.
func (c *Chunker) trailingSentences(text string, budget int) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	var kept []string
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		tokens := c.countTokens(sentences[i])
		if total+tokens > budget {
			break
		}
		kept = append([]string{sentences[i]}, kept...)
		total += tokens
	}
	return strings.Join(kept, " ")
}

// hardCut slices an oversized sentence at estimated token boundaries.
func (c *Chunker) hardCut(text string, max int) []string {
	// ~4 chars per estimated token.
	charsPerCut := max * 4
	if charsPerCut <= 0 {
		return []string{text}
	}

	var cuts []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += charsPerCut {
		end := i + charsPerCut
		if end > len(runes) {
			end = len(runes)
		}
		cuts = append(cuts, strings.TrimSpace(string(runes[i:end])))
	}
	return cuts
}

func (c *Chunker) countTokens(text string) int {
	n, err := c.tokenizer.CountTokens(text)
	if err != nil {
		// Estimators never fail; a registered exact tokenizer might. Fall
		// back to the chars/4 approximation rather than dropping the text.
		return len(text) / 4
	}
	return n
}

// ====== structural splitters ======

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitListItems groups each list item with its continuation lines.
func splitListItems(text string) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if listItemRe.MatchString(line) {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()
	return out
}

// splitRowGroups keeps a table header with each group of rows.
const tableRowsPerGroup = 12

func splitRowGroups(text string) []string {
	lines := strings.Split(text, "\n")

	var header []string
	var rows []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if len(rows) == 0 && len(header) < 2 && strings.Count(trimmed, "|") >= 2 {
			// First two pipe lines are treated as header + separator.
			header = append(header, line)
			continue
		}
		rows = append(rows, line)
	}

	if len(rows) == 0 {
		if len(header) == 0 {
			return nil
		}
		return []string{strings.Join(header, "\n")}
	}

	var out []string
	for i := 0; i < len(rows); i += tableRowsPerGroup {
		end := i + tableRowsPerGroup
		if end > len(rows) {
			end = len(rows)
		}
		group := append(append([]string{}, header...), rows[i:end]...)
		out = append(out, strings.Join(group, "\n"))
	}
	return out
}

// splitCodeBlocks cuts at fence boundaries and top-level declarations.
func splitCodeBlocks(text string) []string {
	var out []string
	var current strings.Builder
	inFence := false

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				current.WriteString("\n")
				current.WriteString(line)
				flush()
				inFence = false
				continue
			}
			flush()
			inFence = true
			current.WriteString(line)
			continue
		}

		// Top-level function/class starts open a new segment.
		if !inFence && current.Len() > 0 &&
			(strings.HasPrefix(line, "func ") || strings.HasPrefix(line, "def ") || strings.HasPrefix(line, "class ")) {
			flush()
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()
	return out
}

func splitHeadingSections(text string) []string {
	var out []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			out = append(out, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		if headingRe.MatchString(strings.TrimSpace(line)) {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	flush()
	return out
}
