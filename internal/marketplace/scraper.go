package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Scraper is the fallback source: it reads plugin facts from the public
// plugin page. Only <meta name="plugin:*"> tags and the <title> are used.
type Scraper struct {
	baseURL    string
	httpClient *http.Client
}

// NewScraper creates a Scraper for pages rooted at baseURL.
func NewScraper(baseURL string, httpClient *http.Client) *Scraper {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	return &Scraper{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Plugin fetches and parses {base}/plugins/{author}/{name}.
func (s *Scraper) Plugin(ctx context.Context, ref Reference) (Plugin, error) {
	page := fmt.Sprintf("%s/plugins/%s/%s", s.baseURL, url.PathEscape(ref.Author), url.PathEscape(ref.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page, nil)
	if err != nil {
		return Plugin{}, fmt.Errorf("failed to build page request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Plugin{}, fmt.Errorf("plugin page request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Plugin{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		return Plugin{}, &StatusError{URL: page, StatusCode: resp.StatusCode}
	}

	plugin, err := ParsePluginPage(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Plugin{}, err
	}
	if plugin.Author == "" {
		plugin.Author = ref.Author
	}
	if plugin.Name == "" {
		plugin.Name = ref.Name
	}
	return plugin, nil
}

// ParsePluginPage extracts plugin facts from a plugin page.
//
// Recognized tags: plugin:author, plugin:name, plugin:version (latest),
// plugin:versions (comma separated) and plugin:description. When no
// description tag is present the page title is used.
func ParsePluginPage(r io.Reader) (Plugin, error) {
	var (
		plugin  Plugin
		title   string
		inTitle bool
	)

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() != io.EOF {
				return Plugin{}, fmt.Errorf("%w: %v", ErrMalformedResponse, z.Err())
			}
			if plugin.Description == "" {
				plugin.Description = title
			}
			plugin.normalize()
			if plugin.LatestVersion == "" {
				return Plugin{}, fmt.Errorf("%w: page carries no version", ErrMalformedResponse)
			}
			return plugin, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Title:
				inTitle = tt == html.StartTagToken
			case atom.Meta:
				applyMeta(&plugin, tok.Attr)
			}

		case html.EndTagToken:
			if z.Token().DataAtom == atom.Title {
				inTitle = false
			}

		case html.TextToken:
			if inTitle {
				title += strings.TrimSpace(string(z.Text()))
			}
		}
	}
}

func applyMeta(p *Plugin, attrs []html.Attribute) {
	var name, content string
	for _, a := range attrs {
		switch strings.ToLower(a.Key) {
		case "name", "property":
			name = strings.ToLower(a.Val)
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}

	switch name {
	case "plugin:author":
		p.Author = content
	case "plugin:name":
		p.Name = content
	case "plugin:version":
		p.LatestVersion = content
	case "plugin:versions":
		for _, v := range strings.Split(content, ",") {
			if v = strings.TrimSpace(v); v != "" {
				p.Versions = append(p.Versions, v)
			}
		}
	case "plugin:description":
		p.Description = content
	}
}
