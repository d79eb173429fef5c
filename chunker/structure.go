package chunker

import (
	"regexp"
	"strings"
)

// StructureType classifies the dominant structure of a text.
type StructureType string

const (
	StructureCode      StructureType = "code"
	StructureList      StructureType = "list"
	StructureTable     StructureType = "table"
	StructureHeading   StructureType = "heading"
	StructureParagraph StructureType = "paragraph"
)

// Complexity grades how hard a text is to read in one piece.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

var (
	listItemRe = regexp.MustCompile(`^(\s*)([-*+]|\d+[.)])\s+`)
	headingRe  = regexp.MustCompile(`^#{1,6}\s+`)
	codeLineRe = regexp.MustCompile(`^\s*(func|def|class|var|const|import|return|if|for|while|}\s*$|{\s*$)`)
)

// classifyStructure inspects the lines of a text and picks the dominant
// structure type. Code fences win outright; otherwise the majority line
// shape decides.
func classifyStructure(text string) StructureType {
	if strings.Contains(text, "```") {
		return StructureCode
	}

	lines := strings.Split(text, "\n")
	var nonEmpty, list, table, heading, code int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		nonEmpty++
		switch {
		case strings.Count(trimmed, "|") >= 2:
			table++
		case listItemRe.MatchString(line):
			list++
		case headingRe.MatchString(trimmed):
			heading++
		case codeLineRe.MatchString(line):
			code++
		}
	}

	if nonEmpty == 0 {
		return StructureParagraph
	}

	switch {
	case code*2 > nonEmpty:
		return StructureCode
	case table*2 > nonEmpty:
		return StructureTable
	case list*2 > nonEmpty:
		return StructureList
	case heading*2 > nonEmpty:
		return StructureHeading
	default:
		return StructureParagraph
	}
}

// classifyComplexity grades text from average sentence length and paragraph
// count.
func classifyComplexity(text string) Complexity {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ComplexitySimple
	}

	totalWords := 0
	for _, s := range sentences {
		totalWords += len(strings.Fields(s))
	}
	avgSentenceLen := float64(totalWords) / float64(len(sentences))

	paragraphs := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}

	switch {
	case avgSentenceLen > 25 || paragraphs > 20:
		return ComplexityComplex
	case avgSentenceLen > 15 || paragraphs > 8:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}

// adjustSizes applies dynamic sizing: shrink for complex or code content,
// grow for simple or tabular content. Factors stay within the 20-50% band.
func adjustSizes(target, max int, structure StructureType, complexity Complexity) (int, int) {
	factor := 1.0

	switch structure {
	case StructureCode:
		factor = 0.7
	case StructureTable:
		factor = 1.3
	}

	switch complexity {
	case ComplexityComplex:
		factor *= 0.8
	case ComplexitySimple:
		factor *= 1.2
	}

	// Clamp the combined factor to the allowed band.
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}

	return int(float64(target) * factor), int(float64(max) * factor)
}

// splitSentences breaks text on terminal punctuation, keeping the
// punctuation with the sentence.
func splitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(sb.String()); s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// stopwords excluded from topic keyword extraction.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "with": {}, "this": {},
	"from": {}, "have": {}, "are": {}, "was": {}, "were": {}, "will": {},
	"would": {}, "can": {}, "could": {}, "should": {}, "about": {},
	"which": {}, "their": {}, "there": {}, "other": {}, "more": {},
	"when": {}, "your": {}, "all": {}, "also": {}, "been": {}, "has": {},
	"had": {}, "its": {}, "into": {}, "than": {}, "then": {}, "them": {},
	"these": {}, "some": {}, "what": {}, "over": {}, "such": {}, "only": {},
	"most": {}, "after": {}, "you": {}, "our": {}, "not": {}, "but": {},
}

// topicKeywords returns up to limit frequent non-stopword terms.
func topicKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:()[]{}\"'")
		if len(w) < 4 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		counts[w]++
	}

	type wc struct {
		word  string
		count int
	}
	ranked := make([]wc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	// Stable order: count desc, then lexicographic.
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].count > ranked[i].count ||
				(ranked[j].count == ranked[i].count && ranked[j].word < ranked[i].word) {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	keywords := make([]string, 0, limit)
	for _, r := range ranked {
		if len(keywords) >= limit {
			break
		}
		keywords = append(keywords, r.word)
	}
	return keywords
}
