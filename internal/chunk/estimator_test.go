package chunk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens_BaseRatio(t *testing.T) {
	c := New()

	// Varied prose gets no adjustment: ceil(chars * 0.25)
	text := "The committee reviewed eleven proposals before lunch and rejected nine of them outright"
	assert.Equal(t, (len(text)+3)/4, c.EstimateTokens(text))
}

func TestEstimateTokens_RepetitiveTextDiscounted(t *testing.T) {
	c := New()

	varied := "Seven distinct words appear within this sentence"
	repetitive := strings.Repeat("spam ham spam ham ", 3)[:len(varied)]

	assert.Less(t, c.EstimateTokens(repetitive), c.EstimateTokens(varied))
}

func TestEstimateTokens_ProductPatternsInflated(t *testing.T) {
	c := New()

	plain := "This gadget is the finest gadget available in the northern region"
	priced := "This gadget costs $49.99 and ships as SKU-12345 in northern region"

	assert.Greater(t, c.EstimateTokens(priced), c.EstimateTokens(plain))
}

func TestEstimateTokens_MarkupInflated(t *testing.T) {
	c := New()

	plain := "An ordinary paragraph of readable content without anything special"
	tagged := "<p>An ordinary paragraph of readable content without any</p>"

	assert.Greater(t, c.EstimateTokens(tagged), c.EstimateTokens(plain[:len(tagged)]))
}

func TestEstimateTokens_FloorOfOne(t *testing.T) {
	c := New()

	assert.Equal(t, 1, c.EstimateTokens("a"))
	assert.Equal(t, 0, c.EstimateTokens(""))
}
