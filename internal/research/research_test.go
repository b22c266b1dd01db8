package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	queries []string
	results map[string][]SearchResult
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

// scripted answers prompts in order and records them.
type scripted struct {
	answers []string
	prompts []string
}

func (s *scripted) generate(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.answers) == 0 {
		return "", errors.New("no scripted answer left")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func TestTavily_Search(t *testing.T) {
	var got tavilyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"query":"go generics","results":[{"title":"Tutorial","url":"https://go.dev/doc/tutorial/generics","content":"Generics intro","score":0.9}]}`)
	}))
	defer srv.Close()

	tv := &Tavily{APIKey: "tvly-test", Endpoint: srv.URL, Depth: "advanced", HTTP: srv.Client()}
	res, err := tv.Search(context.Background(), "go generics", 3)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "https://go.dev/doc/tutorial/generics", res[0].URL)
	assert.Equal(t, tavilyRequest{Query: "go generics", SearchDepth: "advanced", MaxResults: 3}, got)
}

func TestTavily_Errors(t *testing.T) {
	_, err := (&Tavily{}).Search(context.Background(), "q", 1)
	assert.ErrorIs(t, err, ErrNoAPIKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, err = (&Tavily{APIKey: "k", Endpoint: srv.URL}).Search(context.Background(), "q", 1)
	assert.ErrorContains(t, err, "status 429")
}

func TestExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, `<html><head><title> Release notes </title><style>p{}</style></head>
<body><nav><a href="/home">Home</a></nav>
<main><h1>Go 1.25</h1>
<p>Adds   flight
recorder.</p>
<a href="notes#x">more</a><script>alert(1)</script></main></body></html>`)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "  just text \n")
		case "/latin1":
			w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
			w.Write([]byte("<html><head><title>Caf\xe9</title></head><body><p>cr\xe8me br\xfbl\xe9e</p></body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := fetch(context.Background(), srv.Client(), srv.URL+"/page", DefaultMaxPage)
	require.NoError(t, err)
	assert.Equal(t, "Release notes", p.Title)
	assert.Equal(t, "Go 1.25 Adds flight recorder. more", p.Text)
	assert.Contains(t, p.Links, Link{Text: "more", URL: srv.URL + "/notes#x"})
	assert.Contains(t, p.Links, Link{Text: "Home", URL: srv.URL + "/home"})

	plain, err := fetch(context.Background(), srv.Client(), srv.URL+"/plain", DefaultMaxPage)
	require.NoError(t, err)
	assert.Equal(t, "just text", plain.Text)

	latin, err := fetch(context.Background(), srv.Client(), srv.URL+"/latin1", DefaultMaxPage)
	require.NoError(t, err)
	assert.Equal(t, "Café", latin.Title)
	assert.Equal(t, "crème brûlée", latin.Text)

	_, err = fetch(context.Background(), srv.Client(), srv.URL+"/missing", DefaultMaxPage)
	assert.ErrorContains(t, err, "status 404")
}

func TestResearch_WithoutModel(t *testing.T) {
	s := &fakeSearcher{results: map[string][]SearchResult{
		"sqlite wal": {
			{Title: "WAL", URL: "https://sqlite.org/wal.html", Content: "Write-ahead logging"},
			{Title: "Pragmas", URL: "https://sqlite.org/pragma.html", Content: "journal_mode"},
		},
	}}
	d := New(s, nil)

	art, err := d.Research(context.Background(), Request{Query: "sqlite wal"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sqlite wal"}, s.queries)
	assert.Equal(t, 1, art.Rounds)
	require.Len(t, art.Sources, 2)
	assert.Contains(t, art.Content, "Source: https://sqlite.org/wal.html")
	assert.Contains(t, art.Content, "\n---\n")
	assert.InDelta(t, 0.4, art.Confidence, 1e-9)

	b := art.Bindings()
	assert.Equal(t, []any{"https://sqlite.org/wal.html", "https://sqlite.org/pragma.html"}, b["sources"])
}

func TestResearch_SecondRoundWithRefinedQuery(t *testing.T) {
	s := &fakeSearcher{results: map[string][]SearchResult{
		"backoff":               {{Title: "A", URL: "https://a.example", Content: "vague"}},
		"cenkalti backoff v5 go": {{Title: "B", URL: "https://b.example", Content: "exact"}},
	}}
	gen := &scripted{answers: []string{
		"NO: cenkalti backoff v5 go",
		"YES",
		"Use backoff.Retry [https://b.example]",
	}}
	d := New(s, gen.generate)

	art, err := d.Research(context.Background(), Request{Query: "backoff"})
	require.NoError(t, err)
	assert.Equal(t, []string{"backoff", "cenkalti backoff v5 go"}, s.queries)
	assert.Equal(t, 2, art.Rounds)
	assert.Equal(t, "Use backoff.Retry [https://b.example]", art.Content)
	assert.Len(t, art.Sources, 2)
	assert.InDelta(t, 0.7, art.Confidence, 1e-9)
	require.Len(t, gen.prompts, 3)
	assert.Contains(t, gen.prompts[2], "Request: backoff")
}

func TestResearch_StopsAfterMaxRounds(t *testing.T) {
	s := &fakeSearcher{results: map[string][]SearchResult{
		"q": {{Title: "A", URL: "https://a.example", Content: "x"}},
	}}
	gen := &scripted{answers: []string{"NO", "NO", "draft"}}
	art, err := New(s, gen.generate).Research(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, 2, art.Rounds)
	assert.Len(t, art.Sources, 1)
	assert.Equal(t, "draft", art.Content)
	assert.InDelta(t, 0.2, art.Confidence, 1e-9)
}

func TestResearch_RetrievalErrors(t *testing.T) {
	tests := []struct {
		name   string
		search Searcher
		req    Request
		target error
	}{
		{name: "search failure", search: &fakeSearcher{err: errors.New("dns")}, req: Request{Query: "q"}},
		{name: "no results", search: &fakeSearcher{}, req: Request{Query: "q"}, target: ErrNoResults},
		{name: "no backend", req: Request{Query: "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.search, nil).Research(context.Background(), tt.req)
			var re *RetrievalError
			require.ErrorAs(t, err, &re)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestResearch_FetchesURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<title>%s</title><body>page %s</body>", r.URL.Path, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer srv.Close()

	d := New(nil, nil)
	d.HTTP = srv.Client()
	art, err := d.Research(context.Background(), Request{URLs: []string{srv.URL + "/one", srv.URL + "/down", srv.URL + "/two"}})
	require.NoError(t, err)
	require.Len(t, art.Sources, 2)
	assert.Equal(t, srv.URL+"/one", art.Sources[0].URL)
	assert.Equal(t, srv.URL+"/two", art.Sources[1].URL)
	assert.Contains(t, art.Content, "page two")

	_, err = d.Research(context.Background(), Request{URLs: []string{srv.URL + "/down"}})
	var re *RetrievalError
	assert.ErrorAs(t, err, &re)
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short", 10))
	assert.Equal(t, "héllo…", excerpt("héllo wörld", 6))
	assert.Equal(t, "h…", excerpt("héllo", 2))
}
