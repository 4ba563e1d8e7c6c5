package store

import (
	"regexp"
	"strings"
)

var tokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

// DefaultStopWords are common English function words excluded from keyword
// queries.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "do", "does", "for",
	"from", "how", "i", "in", "is", "it", "of", "on", "or", "that", "the",
	"to", "was", "what", "when", "where", "which", "who", "why", "with",
}

var defaultStopWordMap = BuildStopWordMap(DefaultStopWords)

// Tokenize lowercases text and splits it into word tokens of at least two
// runes, dropping stop words.
func Tokenize(text string) []string {
	words := tokenRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(w)
		if len([]rune(lower)) < 2 {
			continue
		}
		tokens = append(tokens, lower)
	}
	return FilterStopWords(tokens, defaultStopWordMap)
}

// FilterStopWords removes stop words from tokens.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	filtered := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, stop := stopWords[t]; !stop {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// BuildStopWordMap creates a set from a list of stop words.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
