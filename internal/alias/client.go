package alias

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Client fetches the alias table from a local status endpoint. The endpoint
// returns a JSON object whose "config" member maps alias to interface name;
// every other member is ignored.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the status URL (e.g. http://127.0.0.1:8080/status).
func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		url: url,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch downloads and parses the alias table.
func (c *Client) Fetch(ctx context.Context) (map[string]string, error) {
	body, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return parseTable(body)
}

func parseTable(body []byte) (map[string]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("alias status: invalid JSON")
	}
	cfg := gjson.GetBytes(body, "config")
	if !cfg.IsObject() {
		return nil, fmt.Errorf("alias status: missing config object")
	}

	table := make(map[string]string)
	cfg.ForEach(func(key, value gjson.Result) bool {
		iface := strings.TrimSpace(value.String())
		if key.String() != "" && value.Type == gjson.String && iface != "" {
			table[key.String()] = iface
		}
		return true
	})
	return table, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return nil, fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return nil, fmt.Errorf("request failed: %s", res.Status)
	}
	return body, nil
}
