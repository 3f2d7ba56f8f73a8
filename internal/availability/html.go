package availability

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sells-group/pricing-agent/internal/fetcher"
	"github.com/sells-group/pricing-agent/internal/model"
)

// DefaultHTMLSearchURL is the HTML-only results endpoint scraped by HTMLSearcher.
const DefaultHTMLSearchURL = "https://html.duckduckgo.com/html/"

// HTMLSearcher is the last fallback layer: it scrapes a generic web search
// results page for a site-restricted query.
type HTMLSearcher struct {
	fetcher fetcher.Fetcher
	baseURL string
}

// NewHTMLSearcher creates an HTMLSearcher. An empty baseURL selects
// DefaultHTMLSearchURL.
func NewHTMLSearcher(f fetcher.Fetcher, baseURL string) *HTMLSearcher {
	if baseURL == "" {
		baseURL = DefaultHTMLSearchURL
	}
	return &HTMLSearcher{fetcher: f, baseURL: baseURL}
}

// Name implements SiteSearcher.
func (s *HTMLSearcher) Name() string { return "html" }

// Search implements SiteSearcher.
func (s *HTMLSearcher) Search(ctx context.Context, query, domain string, limit int) ([]SearchHit, error) {
	body, err := s.fetcher.Get(ctx, s.baseURL, url.Values{"q": {query + " site:" + domain}})
	if err != nil {
		return nil, eris.Wrapf(err, "html searcher: fetch results for %s", domain)
	}
	hits, err := parseResultsPage(body)
	if err != nil {
		return nil, eris.Wrap(err, "html searcher: parse results")
	}

	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		if !onDomain(h.URL, domain) {
			continue
		}
		out = append(out, h)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// parseResultsPage extracts results from the HTML results page. Each result
// is a container with class "result" holding a "result__a" title link and a
// "result__snippet" element.
func parseResultsPage(body []byte) ([]SearchHit, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Div && hasClass(n, "result") {
			if h, ok := parseResult(n); ok {
				hits = append(hits, h)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return hits, nil
}

func parseResult(n *html.Node) (SearchHit, bool) {
	var h SearchHit
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a") && h.URL == "":
				h.URL = decodeResultURL(attr(n, "href"))
				h.Title = collectText(n)
				return
			case hasClass(n, "result__snippet") && h.Snippet == "":
				h.Snippet = collectText(n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return h, h.URL != ""
}

// decodeResultURL unwraps redirect links of the form
// "//duckduckgo.com/l/?uddg=<escaped target>&rut=...".
func decodeResultURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

func onDomain(rawURL, domain string) bool {
	host := model.DomainKeyOf(rawURL)
	domain = model.DomainKeyOf(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
