package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
)

// maxResponseBytes bounds how much of a marketplace response is read.
const maxResponseBytes = 2 << 20

// APIClient is the primary source: the marketplace JSON API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client for the API rooted at baseURL. A nil
// httpClient gets a pooled client from go-cleanhttp.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the API root.
func (c *APIClient) BaseURL() string {
	return c.baseURL
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Plugin *apiPlugin `json:"plugin"`
	} `json:"data"`
}

type apiPlugin struct {
	Org           string   `json:"org"`
	Author        string   `json:"author"`
	Name          string   `json:"name"`
	LatestVersion string   `json:"latest_version"`
	Versions      []string `json:"versions"`
	Brief         string   `json:"brief"`
	Description   string   `json:"description"`
}

// Plugin fetches {base}/plugins/{author}/{name}.
func (c *APIClient) Plugin(ctx context.Context, ref Reference) (Plugin, error) {
	endpoint := fmt.Sprintf("%s/plugins/%s/%s", c.baseURL, url.PathEscape(ref.Author), url.PathEscape(ref.Name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Plugin{}, fmt.Errorf("failed to build marketplace request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Plugin{}, fmt.Errorf("marketplace api request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Plugin{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
	case resp.StatusCode != http.StatusOK:
		return Plugin{}, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	var body apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return Plugin{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Data.Plugin == nil {
		if body.Code != 0 {
			return Plugin{}, fmt.Errorf("%w: %s", ErrPluginNotFound, ref)
		}
		return Plugin{}, fmt.Errorf("%w: missing plugin object", ErrMalformedResponse)
	}

	p := body.Data.Plugin
	plugin := Plugin{
		Author:        firstNonEmpty(p.Author, p.Org, ref.Author),
		Name:          firstNonEmpty(p.Name, ref.Name),
		LatestVersion: p.LatestVersion,
		Versions:      p.Versions,
		Description:   firstNonEmpty(p.Brief, p.Description),
	}
	plugin.normalize()
	if plugin.LatestVersion == "" {
		return Plugin{}, fmt.Errorf("%w: no version published", ErrMalformedResponse)
	}
	return plugin, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
