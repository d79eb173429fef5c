package compression

import (
	"strings"
	"sync"
)

// dictionaryTokens are common natural-language and web boilerplate tokens.
// The deflate dictionary is built from them once and shared by every
// compression call; changing this list invalidates previously stored
// dictionary-compressed archives, so entries are append-only.
var dictionaryTokens = []string{
	// High-frequency English words
	"the", "and", "for", "that", "with", "this", "from", "have", "are",
	"was", "were", "will", "would", "can", "could", "should", "about",
	"which", "their", "there", "other", "more", "when", "your", "all",
	"also", "been", "has", "had", "its", "into", "than", "then", "them",
	"these", "some", "what", "over", "such", "only", "most", "after",
	"first", "between", "because", "through", "during", "before", "under",
	// Web/document boilerplate
	"contact us", "learn more", "privacy policy", "terms of service",
	"all rights reserved", "copyright", "subscribe", "newsletter",
	"read more", "click here", "sign up", "log in", "follow us",
	"frequently asked questions", "about us", "get started",
	"home", "products", "services", "support", "pricing", "blog",
	// Q&A / knowledge-base phrasing
	"question", "answer", "how do i", "what is", "how to", "you can",
	"please", "thank you", "for example", "in order to", "such as",
	"refund", "policy", "account", "order", "shipping", "payment",
}

var (
	sharedDictionary []byte
	dictionaryOnce   sync.Once
)

// dictionary returns the fixed deflate dictionary, built once. Deflate
// matches against the tail of the dictionary first, so the most useful
// boilerplate phrases go last.
func dictionary() []byte {
	dictionaryOnce.Do(func() {
		sharedDictionary = []byte(strings.Join(dictionaryTokens, " "))
	})
	return sharedDictionary
}
