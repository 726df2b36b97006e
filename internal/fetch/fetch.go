// Package fetch loads binary attachment payloads referenced by record
// fields. Remote http(s) sources and local files are supported.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Fetcher resolves a URL or local path to raw bytes.
type Fetcher interface {
	Fetch(ctx context.Context, urlOrPath string) ([]byte, error)
}

// Client is the default Fetcher: http(s) URLs via an HTTP client, anything
// else as a local file path.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client with a bounded-timeout HTTP client.
func NewClient() *Client {
	return &Client{HTTP: &http.Client{Timeout: 60 * time.Second}}
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, urlOrPath string) ([]byte, error) {
	if strings.HasPrefix(urlOrPath, "http://") || strings.HasPrefix(urlOrPath, "https://") {
		return c.fetchRemote(ctx, urlOrPath)
	}
	data, err := os.ReadFile(urlOrPath)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", urlOrPath, err)
	}
	return data, nil
}

func (c *Client) fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", url, err)
	}
	return data, nil
}

// DetectMIME sniffs the payload's content type, defaulting to PDF for the
// common document-attachment case when sniffing is inconclusive.
func DetectMIME(data []byte) string {
	mime := http.DetectContentType(data)
	if mime == "application/octet-stream" && len(data) >= 4 && string(data[:4]) == "%PDF" {
		return "application/pdf"
	}
	return mime
}
