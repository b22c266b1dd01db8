package research

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
)

const userAgent = "agentic-cli/1.0 (+research)"

// Page is the readable part of one fetched URL.
type Page struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
	Links []Link `json:"links,omitempty"`
}

type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// fetch downloads rawURL and extracts its text as UTF-8. HTML pages lose scripts,
// styles and navigation chrome; other text types are kept verbatim.
func fetch(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Page{}, fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	// pages are decoded to UTF-8 from the declared or sniffed charset
	body, err := charset.NewReader(io.LimitReader(resp.Body, maxBytes), contentType)
	if err != nil {
		return Page{}, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		b, err := io.ReadAll(body)
		if err != nil {
			return Page{}, err
		}
		return Page{URL: rawURL, Text: strings.TrimSpace(string(b))}, nil
	}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return Page{}, fmt.Errorf("parse html: %w", err)
	}
	return extract(doc, rawURL), nil
}

func extract(doc *goquery.Document, base string) Page {
	p := Page{URL: base, Title: strings.TrimSpace(doc.Find("title").First().Text())}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		p.Links = append(p.Links, Link{Text: strings.TrimSpace(s.Text()), URL: absolute(base, href)})
	})

	doc.Find("script, style, noscript, nav, header, footer, svg").Remove()
	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	p.Text = strings.Join(strings.Fields(root.Text()), " ")
	return p
}

func absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	if base == "" {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	return bu.ResolveReference(u).String()
}
