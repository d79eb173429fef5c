package tokenizer

// Estimator approximates token counts from character counts. CJK text runs
// close to 1.5 characters per token while Latin text runs close to 4, so the
// two script classes are counted separately. Counts are estimates; callers
// that enforce hard limits should leave headroom.
type Estimator struct {
	model     string
	maxTokens int
}

const (
	cjkCharsPerToken   = 1.5
	asciiCharsPerToken = 4.0
)

// NewEstimator creates a generic estimator.
func NewEstimator(model string, maxTokens int) *Estimator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Estimator{model: model, maxTokens: maxTokens}
}

func (e *Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	estimated := int(float64(cjk)/cjkCharsPerToken + float64(other)/asciiCharsPerToken)
	if estimated < 1 {
		estimated = 1
	}
	return estimated, nil
}

func (e *Estimator) MaxTokens() int {
	return e.maxTokens
}

func (e *Estimator) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // extension A
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // extension B
		return true
	case r >= 0xF900 && r <= 0xFAFF: // compatibility ideographs
		return true
	case r >= 0x3000 && r <= 0x303F: // symbols and punctuation
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // halfwidth and fullwidth forms
		return true
	}
	return false
}
