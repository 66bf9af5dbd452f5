package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAISettings configures the chat-completions adapter.
type OpenAISettings struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxRetries is handed to the SDK, which retries rate limits and 5xx responses.
	MaxRetries int
}

// OpenAI implements Generator with the chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(settings OpenAISettings, extra ...option.RequestOption) (*OpenAI, error) {
	if settings.APIKey == "" {
		return nil, errors.New("openai api key missing; set OPENAI_API_KEY")
	}
	if settings.Model == "" {
		return nil, errors.New("openai model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(settings.APIKey),
		option.WithMaxRetries(settings.MaxRetries),
	}
	if settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(settings.BaseURL))
	}
	opts = append(opts, extra...)
	return &OpenAI{client: openai.NewClient(opts...), model: settings.Model}, nil
}

func (o *OpenAI) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) SuggestOutline(ctx context.Context, topic string) ([]OutlineItem, error) {
	raw, err := o.complete(ctx,
		`Return only JSON that adheres to the schema {"outline": [{"title": "...", "word_count": 150}]}.`,
		fmt.Sprintf(`For the topic: %q, produce a business-report outline with 5-8 sections. Each section: title and recommended word_count (50-400). Return only JSON, nothing else.`, topic),
	)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Outline []OutlineItem `json:"outline"`
	}
	if err := decodeJSON(raw, &payload); err != nil {
		return nil, err
	}
	items := payload.Outline[:0]
	for _, item := range payload.Outline {
		item.Title = strings.TrimSpace(item.Title)
		if item.Title == "" {
			item.Title = "Untitled"
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty outline", ErrInvalidResponse)
	}
	return items, nil
}

func (o *OpenAI) GenerateSection(ctx context.Context, req SectionRequest) (SectionDraft, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Generate content for section titled %q for the topic %q. Tone: Professional. Max words: %d. ", req.Title, req.Topic, req.WordCount)
	user.WriteString("Provide short bullet summary plus full section text in markdown. Return only JSON, no commentary.")
	if req.Research != "" {
		user.WriteString("\n\nUse this research where relevant:\n")
		user.WriteString(req.Research)
	}

	raw, err := o.complete(ctx,
		`Return only JSON that adheres to {"title": "...", "text": "...", "bullets": ["..."], "word_count": N}.`,
		user.String(),
	)
	if err != nil {
		return SectionDraft{}, err
	}
	var payload struct {
		Text      string   `json:"text"`
		Bullets   []string `json:"bullets"`
		WordCount int      `json:"word_count"`
	}
	if err := decodeJSON(raw, &payload); err != nil {
		return SectionDraft{}, err
	}
	content, err := RenderHTML(payload.Text)
	if err != nil {
		return SectionDraft{}, err
	}
	if payload.WordCount == 0 {
		payload.WordCount = len(strings.Fields(payload.Text))
	}
	return SectionDraft{
		Content:   content,
		Bullets:   payload.Bullets,
		WordCount: payload.WordCount,
		Prompt:    user.String(),
		Raw:       raw,
		Model:     "openai/" + o.model,
	}, nil
}

func (o *OpenAI) Refine(ctx context.Context, req RefineRequest) (RefineResult, error) {
	var history strings.Builder
	for _, h := range recentHistory(req.History) {
		fmt.Fprintf(&history, "- Prompt: %s\n  Response: %s\n", h.Prompt, truncate(h.ParsedText, 50))
	}
	user := fmt.Sprintf("Original Text: %s\nHistory:\n%s\nRefine the text based on these instructions: %q. Return the new text in markdown and a brief summary of changes (diff_summary). Return only JSON.",
		req.CurrentText, history.String(), req.Instructions)

	raw, err := o.complete(ctx, `Return only JSON that adheres to {"text": "...", "diff_summary": "..."}.`, user)
	if err != nil {
		return RefineResult{}, err
	}
	var payload struct {
		Text        string `json:"text"`
		DiffSummary string `json:"diff_summary"`
	}
	if err := decodeJSON(raw, &payload); err != nil {
		return RefineResult{}, err
	}
	content, err := RenderHTML(payload.Text)
	if err != nil {
		return RefineResult{}, err
	}
	return RefineResult{Content: content, DiffSummary: payload.DiffSummary, Raw: raw}, nil
}
