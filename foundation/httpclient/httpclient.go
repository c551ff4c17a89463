// Package httpclient provides a polling oriented http client with conditional
// request support, so callers fetching a feed on a cadence can skip unchanged bodies.
package httpclient

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// FetchState carries the validators from a previous fetch. Pass the state returned by
// Fetch back in on the next call to make the request conditional.
type FetchState struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of one fetch. NotModified is true when the server
// reported 304 against the supplied FetchState; Body is nil in that case.
type FetchResult struct {
	Body      []byte
	State     FetchState
	FetchedAt time.Time
}

// Client wraps http.Client with a request timeout suited to feed polling.
type Client struct {
	client *http.Client
}

func MakeClient(timeout time.Duration) *Client {
	return &Client{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves url, sending If-None-Match/If-Modified-Since when prior holds
// validators from an earlier fetch. Returns (nil, nil) result fields via
// NotModified semantics: a 304 yields a nil *FetchResult with no error only when
// prior was supplied; any other non-200 status is an error.
func (c *Client) Fetch(url string, prior *FetchState) (*FetchResult, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if prior != nil && resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %s", url, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &FetchResult{
		Body: body,
		State: FetchState{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
		FetchedAt: time.Now(),
	}, nil
}
