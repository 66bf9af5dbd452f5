package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Researcher gathers background text for a section before generation.
type Researcher interface {
	Research(ctx context.Context, sectionTitle, topic string) (string, error)
}

// MockResearcher returns placeholder notes without touching the network.
type MockResearcher struct{}

func (MockResearcher) Research(_ context.Context, sectionTitle, topic string) (string, error) {
	query := SearchQuery(sectionTitle, topic)
	return fmt.Sprintf("[Source 1]\nMock research content about %s. This is placeholder data for testing.", query), nil
}

const (
	maxQueryLength  = 100
	maxQueryTerms   = 5
	maxPageChars    = 5000
	maxContextChars = 8000
	searchResults   = 5
)

var genericTitleWords = map[string]struct{}{
	"section": {}, "chapter": {}, "introduction": {}, "conclusion": {}, "overview": {}, "analysis": {},
}

// SearchQuery builds a search query from the distinctive words of a section title plus the topic.
func SearchQuery(sectionTitle, topic string) string {
	clean := strings.NewReplacer(":", "", ",", "")
	parts := make([]string, 0, maxQueryTerms+1)
	for _, word := range strings.Fields(clean.Replace(strings.ToLower(sectionTitle))) {
		if _, skip := genericTitleWords[word]; skip || len([]rune(word)) <= 3 {
			continue
		}
		parts = append(parts, word)
		if len(parts) == maxQueryTerms {
			break
		}
	}
	parts = append(parts, strings.ToLower(topic))
	query := clean.Replace(strings.Join(parts, " "))
	if runes := []rune(query); len(runes) > maxQueryLength {
		query = string(runes[:maxQueryLength])
	}
	return query
}

// WebResearcher queries a JSON search endpoint and extracts the text of the result pages.
// The endpoint receives ?q=<query>&num=<n> and answers {"items": [{"title", "link", "snippet"}]}.
type WebResearcher struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

func NewWebResearcher(endpoint string, logger *zap.Logger) *WebResearcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebResearcher{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type searchItem struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Research returns an empty string, not an error, when nothing useful was found.
func (w *WebResearcher) Research(ctx context.Context, sectionTitle, topic string) (string, error) {
	query := SearchQuery(sectionTitle, topic)
	items, err := w.search(ctx, query)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	source := 0
	for _, item := range items {
		text, err := w.fetchText(ctx, item.Link)
		if err != nil {
			w.logger.Warn("research page fetch failed", zap.String("url", item.Link), zap.Error(err))
			text = item.Snippet
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		source++
		fmt.Fprintf(&out, "[Source %d] %s\n%s\n\n", source, item.Title, text)
		if out.Len() >= maxContextChars {
			break
		}
	}
	w.logger.Info("research complete", zap.String("query", query), zap.Int("sources", source))
	return truncate(strings.TrimSpace(out.String()), maxContextChars), nil
}

func (w *WebResearcher) search(ctx context.Context, query string) ([]searchItem, error) {
	target, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse research endpoint: %w", err)
	}
	values := target.Query()
	values.Set("q", query)
	values.Set("num", fmt.Sprint(searchResults))
	target.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request: unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Items []searchItem `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode search results: %w", err)
	}
	if len(payload.Items) > searchResults {
		payload.Items = payload.Items[:searchResults]
	}
	return payload.Items, nil
}

func (w *WebResearcher) fetchText(ctx context.Context, link string) (string, error) {
	if link == "" {
		return "", nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "docpilot-research/1.0")
	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	text, err := ExtractText(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", err
	}
	return truncate(text, maxPageChars), nil
}

var skippedElements = map[string]struct{}{
	"script": {}, "style": {}, "nav": {}, "footer": {}, "header": {}, "noscript": {},
}

// ExtractText returns the visible text of an HTML document, one non-empty line per text run.
func ExtractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := skippedElements[n.Data]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			if line := strings.Join(strings.Fields(n.Data), " "); line != "" {
				lines = append(lines, line)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.Join(lines, "\n"), nil
}
