// Package generate produces outlines, section drafts and refinements, either from a
// deterministic mock or from an OpenAI-compatible chat model.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"docpilot/api/internal/project"
)

// Generator is the model-facing side of the project API.
type Generator interface {
	SuggestOutline(ctx context.Context, topic string) ([]OutlineItem, error)
	GenerateSection(ctx context.Context, req SectionRequest) (SectionDraft, error)
	Refine(ctx context.Context, req RefineRequest) (RefineResult, error)
}

type OutlineItem struct {
	Title     string `json:"title"`
	WordCount int    `json:"word_count"`
}

type SectionRequest struct {
	Title     string
	Topic     string
	WordCount int
	// Research is optional background gathered before generation.
	Research string
}

// SectionDraft carries rendered HTML in Content. Prompt, Raw and Model describe the
// model call and are kept in the project's generation history.
type SectionDraft struct {
	Content   string
	Bullets   []string
	WordCount int
	Prompt    string
	Raw       string
	Model     string
}

type RefineRequest struct {
	CurrentText  string
	History      []project.Refinement
	Instructions string
}

type RefineResult struct {
	Content     string
	DiffSummary string
	Raw         string
}

// ErrInvalidResponse marks model output that could not be decoded.
var ErrInvalidResponse = errors.New("invalid model response")

// historyWindow is how many past refinements are replayed as context.
const historyWindow = 3

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts model markdown into HTML. Raw HTML in the input is not passed through.
func RenderHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// decodeJSON strips markdown code fences models like to wrap around JSON.
func decodeJSON(raw string, target any) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

func recentHistory(history []project.Refinement) []project.Refinement {
	if len(history) <= historyWindow {
		return history
	}
	return history[len(history)-historyWindow:]
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
