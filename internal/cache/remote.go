package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteClient moves opaque container bytes to and from a shared store.
// Get returns ErrNotFound when the hash has no entry.
type RemoteClient interface {
	Get(ctx context.Context, hash string) ([]byte, error)
	Put(ctx context.Context, hash string, data []byte) error
}

// HTTPClient speaks the artifact API: GET/PUT {base}/v8/artifacts/{hash}
// with a bearer token.
type HTTPClient struct {
	BaseURL string
	Token   string
	Team    string // optional, sent as the teamId query parameter
	Client  *http.Client
}

func NewHTTPClient(baseURL, token, team string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Team:    team,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) url(hash string) string {
	u := fmt.Sprintf("%s/v8/artifacts/%s", c.BaseURL, hash)
	if c.Team != "" {
		u += "?teamId=" + c.Team
	}
	return u
}

func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.Token)
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req)
}

func (c *HTTPClient) Get(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("remote cache get: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("remote cache get: unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("remote cache get: %w", err)
	}
	return data, nil
}

func (c *HTTPClient) Put(ctx context.Context, hash string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(hash), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("remote cache put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote cache put: unexpected status %s", resp.Status)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
