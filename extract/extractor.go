package extract

import (
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Method records which extraction path produced the result.
type Method string

const (
	MethodLandmark Method = "landmark" // explicit content landmark found
	MethodDensest  Method = "densest"  // densest subtree heuristic
	MethodBody     Method = "body"     // whole-body fallback
)

// Result is the cleaned output of an extraction.
type Result struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Excerpt string `json:"excerpt"`
	Length  int    `json:"length"`
	Method  Method `json:"method"`
}

// boilerplateTags are removed from the document before any text is collected.
var boilerplateTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Noscript: true,
	atom.Template: true,
}

// contentIDHints match id/class values commonly used for the main content
// region when no semantic landmark element exists.
var contentIDHints = []string{"content", "main", "article", "post", "entry"}

const excerptLength = 160

// Extractor converts raw markup into clean text.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		logger: logger.With(zap.String("component", "extractor")),
	}
}

// Extract parses raw markup and returns cleaned content. It never returns an
// error; parse failures fall back to whole-body (or whole-input) text.
func (e *Extractor) Extract(raw string, sourceURL string) Result {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		// html.Parse almost never fails, but guard anyway: treat the raw
		// input as plain text.
		e.logger.Warn("html parse failed, using raw input",
			zap.String("url", sourceURL),
			zap.Error(err))
		content := normalizeWhitespace(raw)
		return Result{
			Content: content,
			Excerpt: makeExcerpt(content, ""),
			Length:  utf8.RuneCountInString(content),
			Method:  MethodBody,
		}
	}

	stripBoilerplate(doc)

	title := findTitle(doc)
	excerptMeta := findMetaDescription(doc)

	region, method := findContentRegion(doc)
	content := normalizeWhitespace(collectText(region))

	if content == "" && method != MethodBody {
		// Landmark or densest node was empty; retry against the whole body.
		if body := findElement(doc, atom.Body); body != nil {
			content = normalizeWhitespace(collectText(body))
		} else {
			content = normalizeWhitespace(collectText(doc))
		}
		method = MethodBody
	}

	result := Result{
		Title:   title,
		Content: content,
		Excerpt: makeExcerpt(content, excerptMeta),
		Length:  utf8.RuneCountInString(content),
		Method:  method,
	}

	e.logger.Debug("content extracted",
		zap.String("url", sourceURL),
		zap.String("method", string(method)),
		zap.Int("length", result.Length))

	return result
}

// stripBoilerplate removes script/style/navigation subtrees in place.
func stripBoilerplate(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && boilerplateTags[c.DataAtom] {
			n.RemoveChild(c)
			continue
		}
		stripBoilerplate(c)
	}
}

// findContentRegion locates the primary content node: an explicit landmark
// when present, otherwise the densest element subtree.
func findContentRegion(doc *html.Node) (*html.Node, Method) {
	if n := findLandmark(doc); n != nil {
		return n, MethodLandmark
	}

	body := findElement(doc, atom.Body)
	if body == nil {
		return doc, MethodBody
	}

	if n := findDensest(body); n != nil && n != body {
		return n, MethodDensest
	}
	return body, MethodBody
}

// findLandmark returns the first article/main/role=main/content-id element.
func findLandmark(n *html.Node) *html.Node {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Article, atom.Main:
			return n
		}
		if attrValue(n, "role") == "main" {
			return n
		}
		id := strings.ToLower(attrValue(n, "id"))
		class := strings.ToLower(attrValue(n, "class"))
		for _, hint := range contentIDHints {
			if id == hint || strings.Contains(class, hint+"-") || class == hint {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findLandmark(c); found != nil {
			return found
		}
	}
	return nil
}

// findDensest walks element nodes and returns the one whose immediate text
// density (own text vs subtree text) suggests it wraps the main content.
// Container elements that merely hold one dense child are skipped in favor
// of that child.
func findDensest(root *html.Node) *html.Node {
	var best *html.Node
	var bestLen int

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Div, atom.Section, atom.Article, atom.Main, atom.Td, atom.Body:
				l := directTextLength(n)
				if l > bestLen {
					best = n
					bestLen = l
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	return best
}

// directTextLength sums text immediately contained in n and its inline or
// paragraph children, ignoring deeper block containers.
func directTextLength(n *html.Node) int {
	total := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			total += len(strings.TrimSpace(c.Data))
		case html.ElementNode:
			switch c.DataAtom {
			case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.Li,
				atom.Span, atom.A, atom.Em, atom.Strong, atom.B, atom.I,
				atom.Blockquote, atom.Pre, atom.Code, atom.Ul, atom.Ol:
				total += len(strings.TrimSpace(collectText(c)))
			}
		}
	}
	return total
}

// collectText gathers all text under n, inserting line breaks at block
// element boundaries so paragraph structure survives for the chunker.
func collectText(n *html.Node) string {
	var sb strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			sb.WriteString("\n\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n.DataAtom) {
			sb.WriteString("\n\n")
		}
	}
	walk(n)

	return sb.String()
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.H1, atom.H2,
		atom.H3, atom.H4, atom.H5, atom.H6, atom.Li, atom.Tr, atom.Br,
		atom.Blockquote, atom.Pre, atom.Table:
		return true
	}
	return false
}

// findTitle prefers <title>, then og:title, then the first h1.
func findTitle(doc *html.Node) string {
	if n := findElement(doc, atom.Title); n != nil {
		if t := strings.TrimSpace(collectText(n)); t != "" {
			return t
		}
	}
	if t := findMetaProperty(doc, "og:title"); t != "" {
		return t
	}
	if n := findElement(doc, atom.H1); n != nil {
		return strings.TrimSpace(collectText(n))
	}
	return ""
}

func findMetaDescription(doc *html.Node) string {
	var result string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if result != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			name := strings.ToLower(attrValue(n, "name"))
			if name == "description" {
				result = strings.TrimSpace(attrValue(n, "content"))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return result
}

func findMetaProperty(doc *html.Node, property string) string {
	var result string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if result != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
			if attrValue(n, "property") == property {
				result = strings.TrimSpace(attrValue(n, "content"))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return result
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// normalizeWhitespace collapses runs of spaces and limits consecutive blank
// lines to one, preserving paragraph breaks.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	// Trim trailing blank line.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// makeExcerpt prefers the meta description, else the leading content.
func makeExcerpt(content, metaDescription string) string {
	if metaDescription != "" {
		return truncateAtWord(metaDescription, excerptLength)
	}
	return truncateAtWord(content, excerptLength)
}

func truncateAtWord(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	truncated := string(runes[:maxLen])
	if idx := strings.LastIndex(truncated, " "); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return truncated + "..."
}
