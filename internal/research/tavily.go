package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const DefaultTavilyEndpoint = "https://api.tavily.com/search"

var ErrNoAPIKey = errors.New("TAVILY_API_KEY is not set")

type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Searcher runs one web search.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Tavily is a Searcher backed by the Tavily search API.
type Tavily struct {
	APIKey   string
	Endpoint string
	// Depth is "basic" or "advanced".
	Depth string
	HTTP  *http.Client
}

// NewTavily reads the key from TAVILY_API_KEY.
func NewTavily() *Tavily {
	return &Tavily{
		APIKey:   os.Getenv("TAVILY_API_KEY"),
		Endpoint: DefaultTavilyEndpoint,
		Depth:    "advanced",
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

type tavilyRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(t.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	body, err := json.Marshal(tavilyRequest{Query: query, SearchDepth: t.Depth, MaxResults: maxResults})
	if err != nil {
		return nil, err
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = DefaultTavilyEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("tavily search: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("tavily search: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out tavilyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tavily search: decode: %w", err)
	}
	return out.Results, nil
}
