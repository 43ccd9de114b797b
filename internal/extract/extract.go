package extract

import (
	"encoding/json"
	"strings"
)

// Document is the submitted payload shape: an optional title plus typed
// content blocks produced by the upstream scraper.
type Document struct {
	Title  string  `json:"title"`
	Blocks []Block `json:"blocks"`
	// Content is a fallback for payloads that carry a single flat string.
	Content string `json:"content"`
}

type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Content is the cleaned text plus the counts reported in the callback
// metadata.
type Content struct {
	Text             string
	Blocks           int
	TotalWords       int
	MainContentWords int
}

// Boilerplate block types count toward totals but not main content.
var boilerplateTypes = map[string]bool{
	"nav":    true,
	"footer": true,
	"aside":  true,
	"ad":     true,
}

// FromPayload extracts summarizable text from a payload document. An empty
// Text means the payload had nothing extractable.
func FromPayload(payload []byte) (Content, error) {
	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Content{}, err
	}
	var c Content
	var parts []string
	if title := strings.TrimSpace(doc.Title); title != "" {
		parts = append(parts, title)
		words := wordCount(title)
		c.TotalWords += words
		c.MainContentWords += words
	}
	for _, b := range doc.Blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		c.Blocks++
		words := wordCount(text)
		c.TotalWords += words
		if boilerplateTypes[strings.ToLower(b.Type)] {
			continue
		}
		c.MainContentWords += words
		parts = append(parts, text)
	}
	if len(doc.Blocks) == 0 {
		if text := strings.TrimSpace(doc.Content); text != "" {
			c.Blocks = 1
			words := wordCount(text)
			c.TotalWords += words
			c.MainContentWords += words
			parts = append(parts, text)
		}
	}
	c.Text = strings.Join(parts, "\n\n")
	if strings.TrimSpace(c.Text) == "" {
		return Content{}, nil
	}
	return c, nil
}

// TokenBudget sizes the summary from the main content length: roughly 1.4
// tokens per word, clamped to [256, 2048].
func TokenBudget(mainWords int) int {
	budget := int(float64(mainWords) * 1.4)
	if budget < 256 {
		return 256
	}
	if budget > 2048 {
		return 2048
	}
	return budget
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
