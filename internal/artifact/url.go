package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// URLSource fetches artifacts over HTTP(S) ("url" parameter). The request is
// bound to the caller's context, so a client disconnect upstream tears the
// fetch down.
type URLSource struct {
	client *http.Client
}

// NewURLSource wraps an HTTP client; nil means http.DefaultClient.
func NewURLSource(client *http.Client) *URLSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLSource{client: client}
}

func (s *URLSource) Open(ctx context.Context, p Params) (io.ReadCloser, error) {
	rawurl := p["url"]
	if rawurl == "" {
		return nil, errors.New("artifact: url method requires a url parameter")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact: fetch %s: %w", rawurl, err)
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("artifact: fetch %s: unexpected status %d", rawurl, resp.StatusCode)
	}
	return resp.Body, nil
}
