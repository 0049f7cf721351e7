package chunk

import (
	"math"
	"regexp"
	"strings"
)

var (
	// Price, SKU, and category-style fragments tokenize worse than prose.
	productPattern = regexp.MustCompile(`(?i)(\$\d+(\.\d{2})?|\bsku[-:\s]?[a-z0-9]+|\b(usd|eur|gbp)\s?\d)`)

	// Markup tags inflate token counts relative to visible characters.
	markupPattern = regexp.MustCompile(`<[a-zA-Z/][^>]*>`)
)

// EstimateTokens returns a heuristic token estimate for text.
// Base estimate is ceil(chars * ratio), adjusted for repetitive text
// (-10%), product-style patterns (+15%), and markup (+20%). Never below 1.
func (c *Chunker) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	est := float64(len(text)) * c.ratio

	if uniqueWordRatio(text) < 0.5 {
		est *= 0.9
	}
	if productPattern.MatchString(text) {
		est *= 1.15
	}
	if markupPattern.MatchString(text) {
		est *= 1.2
	}

	tokens := int(math.Ceil(est))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// uniqueWordRatio returns unique words / total words, 1.0 for empty text.
func uniqueWordRatio(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 1.0
	}

	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words))
}
