package chunker

import (
	"math"
	"strings"
	"unicode"
)

// qualityScore grades a chunk between 0 and 1 from punctuation density,
// sentence length distribution and overall length. Navigation fragments and
// truncated scraps score low; coherent prose scores high.
func qualityScore(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	runes := []rune(text)
	letters, punct := 0, 0
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			letters++
		case unicode.IsPunct(r):
			punct++
		}
	}
	if letters == 0 {
		return 0
	}

	// Punctuation density: prose sits around 2-6% punctuation. Both
	// punctuation-free fragments and symbol soup are penalized.
	punctDensity := float64(punct) / float64(len(runes))
	punctScore := 1.0
	if punctDensity < 0.005 {
		punctScore = 0.4
	} else if punctDensity > 0.25 {
		punctScore = 0.3
	}

	// Sentence length distribution: very short average sentences suggest
	// menus or link lists, not content.
	sentences := splitSentences(text)
	lenScore := 0.5
	if len(sentences) > 0 {
		totalWords := 0
		for _, s := range sentences {
			totalWords += len(strings.Fields(s))
		}
		avg := float64(totalWords) / float64(len(sentences))
		switch {
		case avg >= 8 && avg <= 35:
			lenScore = 1.0
		case avg >= 4:
			lenScore = 0.7
		default:
			lenScore = 0.3
		}
	}

	// Length: longer chunks carry more signal, saturating around 200 chars.
	lengthScore := math.Min(float64(len(runes))/200.0, 1.0)

	return 0.4*punctScore + 0.35*lenScore + 0.25*lengthScore
}
