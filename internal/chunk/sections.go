package chunk

import (
	"strings"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// ChunkSections splits structured content into token-bounded chunks.
// Each section is rendered as "Label: value". Priority sections are packed
// first in configured order; a section too large for one chunk is flushed
// separately and split with the flat-text algorithm. Overlap carries across
// flush boundaries for context continuity.
func (c *Chunker) ChunkSections(sections []Section, contentType string, cfg Config) ([]*Chunk, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	ordered := orderSections(sections, cfg.PrioritySections)

	var formatted []string
	for _, s := range ordered {
		value := strings.TrimSpace(s.Value)
		if value == "" {
			continue
		}
		formatted = append(formatted, s.Label+": "+c.Normalize(value, cfg.StripMarkup))
	}
	if len(formatted) == 0 {
		return nil, kberr.ValidationError(kberr.ErrCodeEmptyContent, "all sections are empty")
	}

	var bodies []string
	var acc []string
	accTokens := 0

	flush := func() {
		if len(acc) == 0 {
			return
		}
		bodies = append(bodies, strings.Join(acc, "\n\n"))
		acc = nil
		accTokens = 0
	}

	for _, section := range formatted {
		tokens := c.EstimateTokens(section)

		// An atomic oversize section gets its own flat split.
		if tokens > cfg.ChunkSize {
			flush()
			bodies = append(bodies, c.splitFlat(section, cfg)...)
			continue
		}

		if accTokens+tokens > cfg.ChunkSize {
			flush()
		}
		acc = append(acc, section)
		accTokens += tokens
	}
	flush()

	return c.finalize(bodies, contentType, cfg), nil
}

// ParseSections reads "Label: value" structured text into sections. A line
// whose prefix matches a short label followed by a colon starts a new
// section; other lines extend the current one. Text before the first label
// is returned as a "Body" section. Returns nil when no label is found, in
// which case the text is not structured.
func ParseSections(text string) []Section {
	var sections []Section
	var current *Section
	labeled := false

	appendLine := func(label, rest string) {
		if current != nil {
			sections = append(sections, *current)
		}
		current = &Section{Label: label, Value: rest}
	}

	for _, line := range strings.Split(text, "\n") {
		if label, rest, ok := splitLabel(line); ok {
			appendLine(label, rest)
			labeled = true
			continue
		}
		if current == nil {
			current = &Section{Label: "Body"}
		}
		if current.Value != "" {
			current.Value += "\n"
		}
		current.Value += line
	}
	if current != nil {
		sections = append(sections, *current)
	}

	if !labeled {
		return nil
	}
	return sections
}

// splitLabel matches a section label prefix: 1 to 40 letters, digits,
// spaces, or underscores, starting with a letter, ending at a colon.
func splitLabel(line string) (label, rest string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 1 || i > 40 {
		return "", "", false
	}
	// "https://example.com" is a URL, not a label.
	if strings.HasPrefix(line[i+1:], "//") {
		return "", "", false
	}
	candidate := line[:i]
	r := rune(candidate[0])
	if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
		return "", "", false
	}
	for _, ch := range candidate {
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z',
			ch >= '0' && ch <= '9', ch == ' ', ch == '_':
		default:
			return "", "", false
		}
	}
	return candidate, strings.TrimSpace(line[i+1:]), true
}

// orderSections returns priority sections (in configured order) followed by
// the remaining sections in their original order.
func orderSections(sections []Section, priority []string) []Section {
	if len(priority) == 0 {
		return sections
	}

	used := make(map[int]bool, len(sections))
	ordered := make([]Section, 0, len(sections))

	for _, label := range priority {
		for i, s := range sections {
			if !used[i] && strings.EqualFold(s.Label, label) {
				ordered = append(ordered, s)
				used[i] = true
			}
		}
	}
	for i, s := range sections {
		if !used[i] {
			ordered = append(ordered, s)
		}
	}

	return ordered
}
