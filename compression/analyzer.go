package compression

import (
	"strings"
)

// ContentType classifies how a source's text is composed.
type ContentType string

const (
	ContentInformational ContentType = "informational" // short, low-repetition prose
	ContentRich          ContentType = "content-rich"  // long, varied vocabulary
	ContentTemplate      ContentType = "template"      // heavy repeated boilerplate
	ContentMixed         ContentType = "mixed"
)

// ProcessingMode decides how ingestion should treat the source.
type ProcessingMode string

const (
	ModeSummary         ProcessingMode = "summary"          // small informational content, skip chunking
	ModeChunking        ProcessingMode = "chunking"         // normal chunk pipeline
	ModeTemplateRemoval ProcessingMode = "template-removal" // strip boilerplate first
)

// Analysis is the result of classifying a text.
type Analysis struct {
	ContentType      ContentType `json:"content_type"`
	Density          float64     `json:"density"`           // unique-word ratio, 0-1
	BoilerplateRatio float64     `json:"boilerplate_ratio"` // repeated-sentence share, 0-1
	WordCount        int         `json:"word_count"`
	SentenceCount    int         `json:"sentence_count"`
}

const (
	// boilerplateThreshold is the repeated-sentence share above which a
	// source is treated as template content.
	boilerplateThreshold = 0.4

	// summaryWordLimit is the size below which informational content is
	// summarized instead of chunked.
	summaryWordLimit = 300

	denseVocabularyRatio = 0.6
)

// Analyze classifies text by unique-word ratio and repeated-sentence share.
func Analyze(text string) Analysis {
	words := strings.Fields(strings.ToLower(text))
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}

	density := 0.0
	if len(words) > 0 {
		density = float64(len(unique)) / float64(len(words))
	}

	sentences := splitSentences(text)
	seen := make(map[string]int, len(sentences))
	repeated := 0
	for _, s := range sentences {
		key := normalizeSentence(s)
		if key == "" {
			continue
		}
		seen[key]++
		if seen[key] > 1 {
			repeated++
		}
	}

	boilerplate := 0.0
	if len(sentences) > 0 {
		boilerplate = float64(repeated) / float64(len(sentences))
	}

	a := Analysis{
		Density:          density,
		BoilerplateRatio: boilerplate,
		WordCount:        len(words),
		SentenceCount:    len(sentences),
	}
	a.ContentType = classify(a)
	return a
}

func classify(a Analysis) ContentType {
	switch {
	case a.BoilerplateRatio > boilerplateThreshold:
		return ContentTemplate
	case a.WordCount >= summaryWordLimit && a.Density >= denseVocabularyRatio:
		return ContentRich
	case a.WordCount < summaryWordLimit && a.BoilerplateRatio < 0.1:
		return ContentInformational
	default:
		return ContentMixed
	}
}

// summarySizeLimit is the byte size below which informational content is
// summarized regardless of word count.
const summarySizeLimit = 2048

// SelectMode chooses the processing mode for a source: summary for small
// informational content, template-removal when boilerplate dominates,
// chunking otherwise.
func SelectMode(a Analysis, sizeBytes int) ProcessingMode {
	if a.BoilerplateRatio > boilerplateThreshold {
		return ModeTemplateRemoval
	}
	if a.ContentType == ContentInformational &&
		(a.WordCount < summaryWordLimit || sizeBytes < summarySizeLimit) {
		return ModeSummary
	}
	return ModeChunking
}

// splitSentences breaks text on terminal punctuation and newlines.
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

func normalizeSentence(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
