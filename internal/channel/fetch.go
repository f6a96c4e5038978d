package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPFetcher downloads media by url, optionally with basic auth (Twilio
// media urls require the account credentials).
type HTTPFetcher struct {
	client *resty.Client
}

func NewHTTPFetcher(timeout time.Duration, username, password string) *HTTPFetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1)
	if username != "" {
		client.SetBasicAuth(username, password)
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode())
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}
