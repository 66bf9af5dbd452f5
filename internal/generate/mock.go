package generate

import (
	"context"
	"fmt"
	"strings"
)

// Mock returns deterministic output so the whole stack runs without a model.
type Mock struct{}

func (Mock) SuggestOutline(_ context.Context, topic string) ([]OutlineItem, error) {
	return []OutlineItem{
		{Title: "Introduction", WordCount: 100},
		{Title: "Market Overview", WordCount: 200},
		{Title: "Key Trends", WordCount: 200},
		{Title: "Conclusion", WordCount: 100},
	}, nil
}

func (Mock) GenerateSection(_ context.Context, req SectionRequest) (SectionDraft, error) {
	text := fmt.Sprintf("This is the generated content for section '%s' regarding '%s'. It is a mock response.", req.Title, req.Topic)
	if req.Research != "" {
		text += "\n\nResearch notes: " + truncate(req.Research, 200)
	}
	content, err := RenderHTML(text)
	if err != nil {
		return SectionDraft{}, err
	}
	return SectionDraft{
		Content:   content,
		Bullets:   []string{"Point 1", "Point 2", "Point 3"},
		WordCount: len(strings.Fields(text)),
		Prompt:    fmt.Sprintf("Generate section '%s' for '%s'", req.Title, req.Topic),
		Raw:       text,
		Model:     "mock",
	}, nil
}

func (Mock) Refine(_ context.Context, req RefineRequest) (RefineResult, error) {
	text := fmt.Sprintf("Refined version of: %s based on '%s'", truncate(req.CurrentText, 20), req.Instructions)
	content, err := RenderHTML(text)
	if err != nil {
		return RefineResult{}, err
	}
	return RefineResult{
		Content:     content,
		DiffSummary: "Applied changes based on: " + req.Instructions,
		Raw:         text,
	}, nil
}
