package prompt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	MaxFetchedURLs      = 3
	URLFetchTimeout     = 15 * time.Second
	MaxURLBodyBytes     = 2 << 20
	MaxURLContentsChars = 6000
)

var (
	urlPattern          = regexp.MustCompile(`https?://[^\s<>"'\x60)\]]+`)
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]{2,}`)
)

// ExtractURLs returns the distinct http(s) URLs in text, in order of
// appearance, at most max of them.
func ExtractURLs(text string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// Fetcher downloads pages referenced in a user prompt and reduces them to
// plain text.
type Fetcher struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxURLs  int
	MaxChars int
	Log      *zap.Logger
}

func NewFetcher(log *zap.Logger) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{
		Client:   http.DefaultClient,
		Timeout:  URLFetchTimeout,
		MaxURLs:  MaxFetchedURLs,
		MaxChars: MaxURLContentsChars,
		Log:      log,
	}
}

// URLContents fetches the URLs found in prompt and returns a <url_contents>
// block, or "" when nothing could be fetched. Failures are logged and skipped.
func (f *Fetcher) URLContents(ctx context.Context, prompt string) string {
	urls := ExtractURLs(prompt, f.MaxURLs)
	if len(urls) == 0 {
		return ""
	}
	var sections []string
	for _, u := range urls {
		if ctx.Err() != nil {
			break
		}
		text, err := f.Fetch(ctx, u)
		if err != nil {
			f.Log.Warn("url fetch failed", zap.String("url", u), zap.Error(err))
			continue
		}
		if text == "" {
			continue
		}
		sections = append(sections, "### "+u+"\n"+text)
	}
	if len(sections) == 0 {
		return ""
	}
	limit := f.MaxChars
	if limit <= 0 {
		limit = MaxURLContentsChars
	}
	body := Truncate(strings.Join(sections, "\n\n"), limit)
	return "<url_contents>\n" + body + "\n</url_contents>"
}

// Fetch downloads one URL and returns its plain text.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = URLFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; helixmix/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxURLBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/plain") || strings.Contains(ct, "text/markdown") {
		return cleanText(markdownLinkPattern.ReplaceAllString(string(body), "$1")), nil
	}
	return HTMLToText(string(body))
}

// HTMLToText reduces an HTML document to plain text. Scripts, styles and
// noscript content are dropped, markdown link syntax is reduced to its label
// and whitespace is collapsed.
func HTMLToText(doc string) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	extractText(root, &sb, 0)
	s := markdownLinkPattern.ReplaceAllString(sb.String(), "$1")
	return cleanText(s), nil
}

func extractText(n *html.Node, sb *strings.Builder, depth int) {
	if depth > 64 {
		return
	}
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			sb.WriteString(t)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg":
			return
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "pre":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb, depth+1)
	}
}

func cleanText(s string) string {
	s = multiSpacePattern.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
