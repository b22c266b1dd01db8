// Package research answers research steps: it searches the web, fetches and
// extracts pages, and optionally has a language model grade and summarise
// what it found.
package research

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/Tahsine/agentic-cli/internal/logger"
)

const (
	DefaultMaxResults  = 5
	DefaultMaxRounds   = 2
	DefaultConcurrency = 4
	DefaultMaxPage     = 2 << 20
	// pages are cut to this many bytes before synthesis
	maxExcerpt = 4000
)

var ErrNoResults = errors.New("research returned no usable sources")

// RetrievalError wraps any failure to obtain sources. It is retryable.
type RetrievalError struct {
	Query string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("research %q: %v", e.Query, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Generate produces text for a prompt. It is how the delegate reaches a
// language model; llm_client.Generate fits once bound to a model.
type Generate func(ctx context.Context, prompt string) (string, error)

type Request struct {
	Query      string
	URLs       []string
	MaxResults int
}

type Source struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Artifact is the outcome of a research step. Confidence is in [0, 1].
type Artifact struct {
	Query      string   `json:"query,omitempty"`
	Content    string   `json:"content"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
	Rounds     int      `json:"rounds,omitempty"`
}

// Bindings is the artifact as exposed to later steps through result
// references.
func (a Artifact) Bindings() map[string]any {
	urls := make([]any, len(a.Sources))
	for i, s := range a.Sources {
		urls[i] = s.URL
	}
	return map[string]any{
		"content":    a.Content,
		"sources":    urls,
		"confidence": a.Confidence,
	}
}

type Delegate struct {
	Search      Searcher
	HTTP        *http.Client
	Generate    Generate
	MaxRounds   int
	Concurrency int
	MaxPage     int64
}

func New(search Searcher, gen Generate) *Delegate {
	return &Delegate{
		Search:      search,
		HTTP:        &http.Client{Timeout: 20 * time.Second},
		Generate:    gen,
		MaxRounds:   DefaultMaxRounds,
		Concurrency: DefaultConcurrency,
		MaxPage:     DefaultMaxPage,
	}
}

// Research gathers sources for req. Searches are repeated, up to MaxRounds,
// while the grader judges the results insufficient. Any explicit URLs are
// fetched concurrently. Without a Generate function the content is the
// formatted sources.
func (d *Delegate) Research(ctx context.Context, req Request) (Artifact, error) {
	art := Artifact{Query: req.Query}
	var found []string
	graded := false

	if len(req.URLs) > 0 {
		pages, err := d.fetchAll(ctx, req.URLs)
		if err != nil {
			return Artifact{}, &RetrievalError{Query: req.Query, Err: err}
		}
		for _, p := range pages {
			art.Sources = append(art.Sources, Source{Title: p.Title, URL: p.URL, Snippet: excerpt(p.Text, 200)})
			found = append(found, formatSource(p.Title, p.URL, excerpt(p.Text, maxExcerpt)))
		}
	}

	if strings.TrimSpace(req.Query) != "" {
		if d.Search == nil {
			return Artifact{}, &RetrievalError{Query: req.Query, Err: errors.New("no search backend configured")}
		}
		query, err := d.searchQuery(ctx, req.Query)
		if err != nil {
			return Artifact{}, err
		}
		limit := req.MaxResults
		if limit <= 0 {
			limit = DefaultMaxResults
		}
		seen := map[string]bool{}
		for round := 1; round <= d.maxRounds(); round++ {
			art.Rounds = round
			results, err := d.Search.Search(ctx, query, limit)
			if err != nil {
				return Artifact{}, &RetrievalError{Query: query, Err: err}
			}
			for _, r := range results {
				if seen[r.URL] {
					continue
				}
				seen[r.URL] = true
				art.Sources = append(art.Sources, Source{Title: r.Title, URL: r.URL, Snippet: excerpt(r.Content, 200)})
				found = append(found, formatSource(r.Title, r.URL, r.Content))
			}
			logger.Log.Debug("research round", "query", query, "round", round, "results", len(results))
			if d.Generate == nil {
				break
			}

			ok, next, err := d.grade(ctx, req.Query, found)
			if err != nil {
				return Artifact{}, err
			}
			if ok {
				graded = true
				break
			}
			if next != "" {
				query = next
			}
		}
	}

	if len(found) == 0 {
		return Artifact{}, &RetrievalError{Query: req.Query, Err: ErrNoResults}
	}

	content, err := d.synthesize(ctx, req, found)
	if err != nil {
		return Artifact{}, err
	}
	art.Content = content
	art.Confidence = confidence(len(art.Sources), graded, d.Generate != nil)
	return art, nil
}

// searchQuery shortens long requests into a search query when a model is
// available.
func (d *Delegate) searchQuery(ctx context.Context, request string) (string, error) {
	if len(request) <= 100 || d.Generate == nil {
		return request, nil
	}
	q, err := d.Generate(ctx, "Extract a concise web search query from this request. Reply with the query only.\n\n"+request)
	if err != nil {
		return "", fmt.Errorf("extract query: %w", err)
	}
	if q = strings.Trim(strings.TrimSpace(q), `"`); q == "" {
		return request, nil
	}
	return q, nil
}

// grade asks whether the sources answer the request. A "NO" may carry a
// better query to search next.
func (d *Delegate) grade(ctx context.Context, request string, found []string) (bool, string, error) {
	prompt := fmt.Sprintf(`Request: %s

Research results:
%s

Do these results contain enough information to answer the request?
Reply YES, or NO: <a better search query>.`, request, strings.Join(found, "\n---\n"))
	answer, err := d.Generate(ctx, prompt)
	if err != nil {
		return false, "", fmt.Errorf("grade research: %w", err)
	}
	answer = strings.TrimSpace(answer)
	upper := strings.ToUpper(answer)
	if strings.HasPrefix(upper, "YES") {
		return true, "", nil
	}
	if strings.HasPrefix(upper, "NO") {
		return false, strings.TrimSpace(strings.TrimLeft(answer[2:], ":- ")), nil
	}
	return false, "", nil
}

func (d *Delegate) synthesize(ctx context.Context, req Request, found []string) (string, error) {
	joined := strings.Join(found, "\n---\n")
	if d.Generate == nil {
		return joined, nil
	}
	topic := req.Query
	if topic == "" {
		topic = "Summarise the pages: " + strings.Join(req.URLs, ", ")
	}
	prompt := fmt.Sprintf(`You are a researcher. Answer the request based strictly on the research below and cite source URLs.

Research:
%s

Request: %s`, joined, topic)
	out, err := d.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("synthesize research: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// fetchAll downloads urls on a bounded pool. Individual failures are logged
// and skipped; only a total failure is an error.
func (d *Delegate) fetchAll(ctx context.Context, urls []string) ([]Page, error) {
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	maxPage := d.MaxPage
	if maxPage <= 0 {
		maxPage = DefaultMaxPage
	}

	pages := make([]Page, len(urls))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.Concurrency, 1))
	for i, u := range urls {
		g.Go(func() error {
			p, err := fetch(gctx, client, u, maxPage)
			if err != nil {
				logger.Log.Warn("research fetch failed", "url", u, "err", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			pages[i] = p
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Page, 0, len(pages))
	for _, p := range pages {
		if p.URL != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (d *Delegate) maxRounds() int {
	if d.MaxRounds <= 0 {
		return DefaultMaxRounds
	}
	return d.MaxRounds
}

// confidence grows with the number of sources and with a positive grade.
func confidence(sources int, graded, hasModel bool) float64 {
	if sources == 0 {
		return 0
	}
	c := 0.2 + 0.1*float64(min(sources, 5))
	switch {
	case graded:
		c += 0.3
	case hasModel:
		c -= 0.1
	}
	return math.Round(math.Min(c, 1)*100) / 100
}

func formatSource(title, url, content string) string {
	if title == "" {
		title = "No Title"
	}
	return fmt.Sprintf("Title: %s\nSource: %s\nContent: %s\n", title, url, content)
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "…"
}
