package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// SearchClient performs web searches
type SearchClient interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearchResult is a single web search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// DuckDuckGoClient implements SearchClient against the DuckDuckGo HTML endpoint.
// No API key required.
type DuckDuckGoClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewDuckDuckGoClient() *DuckDuckGoClient {
	return &DuckDuckGoClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    "https://html.duckduckgo.com/html/",
	}
}

var (
	ddgResultPattern  = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>`)
	ddgSnippetPattern = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.*?)</a>`)
	htmlTagPattern    = regexp.MustCompile(`<[^>]+>`)
)

func (c *DuckDuckGoClient) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}

	reqURL := c.baseURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; skein/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	links := ddgResultPattern.FindAllStringSubmatch(string(body), limit)
	snippets := ddgSnippetPattern.FindAllStringSubmatch(string(body), limit)

	results := make([]SearchResult, 0, len(links))
	for i, m := range links {
		result := SearchResult{
			URL:   decodeDDGLink(m[1]),
			Title: cleanHTML(m[2]),
		}
		if i < len(snippets) {
			result.Snippet = cleanHTML(snippets[i][1])
		}
		results = append(results, result)
	}

	return results, nil
}

// decodeDDGLink unwraps DuckDuckGo's redirect links (//duckduckgo.com/l/?uddg=...)
func decodeDDGLink(link string) string {
	if !strings.Contains(link, "uddg=") {
		return link
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}

func cleanHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagPattern.ReplaceAllString(s, "")))
}

func (e *NativeExecutor) WebSearch(ctx context.Context, args json.RawMessage) (string, error) {
	if e.search == nil {
		return "", fmt.Errorf("web search is not configured")
	}

	var payload struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if payload.Query == "" {
		return "", fmt.Errorf("query is required")
	}

	results, err := e.search.Search(ctx, payload.Query, payload.Limit)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	if len(results) == 0 {
		return "No results found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Search results for '%s':\n\n", payload.Query))
	for i, res := range results {
		sb.WriteString(fmt.Sprintf("%d. %s\n   %s\n", i+1, res.Title, res.URL))
		if res.Snippet != "" {
			sb.WriteString("   " + res.Snippet + "\n")
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}
