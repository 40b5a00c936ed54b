package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/slateboard/slateboard/pkg/engine"
)

// fetchHTTP retrieves content over HTTP or HTTPS. Server errors and rate
// limits are classified for retry; client errors are permanent.
func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid content url: %q", rawURL), err).
			WithCode(engine.ErrCodeValidation)
	}
	req.Header.Set("User-Agent", "slateboard")

	f.logger.Debug().Str("url", rawURL).Msg("Fetching content")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to fetch %s", rawURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to the body read.
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, engine.NewThrottledError(
			fmt.Sprintf("rate limited fetching %s", rawURL), nil)
	case resp.StatusCode >= 500:
		return nil, engine.NewTransientError(
			fmt.Sprintf("server error fetching %s: %s", rawURL, resp.Status), nil)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("failed to fetch %s: %s", rawURL, resp.Status), nil)
	}

	if resp.ContentLength > f.cfg.MaxContentBytes {
		return nil, f.sizeError(rawURL, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxContentBytes+1))
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("failed to read content from %s", rawURL), err)
	}
	if int64(len(data)) > f.cfg.MaxContentBytes {
		return nil, f.sizeError(rawURL, int64(len(data)))
	}

	return data, nil
}
