package sideload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kakik0u/iloader/pkg/resilience"
)

// ErrTransport wraps every download failure.
var ErrTransport = errors.New("transport error")

// Fetcher downloads an artifact.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches over HTTP, retrying transport errors and 5xx replies.
type HTTPFetcher struct {
	Client *http.Client
	Retry  resilience.RetryConfig
	Logger *slog.Logger
}

// NewHTTPFetcher returns a fetcher with the default retry policy.
func NewHTTPFetcher(logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		Client: http.DefaultClient,
		Retry:  resilience.DefaultRetryConfig(),
		Logger: logger,
	}
}

// Fetch returns the response body of a successful GET.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	attempt := 0
	err := resilience.Retry(ctx, f.Retry, func(ctx context.Context) error {
		attempt++
		b, err := f.get(ctx, url)
		if err != nil && f.Logger != nil {
			f.Logger.Debug("download attempt failed", "url", url, "attempt", attempt, "error", err)
		}
		body = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return body, nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.Permanent(err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("Failed to download file: HTTP %s", resp.Status)
		if resp.StatusCode < 500 {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}
