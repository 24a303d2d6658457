// Package download implements the concurrent multi-mirror segment
// download coordinator.
package download

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// Transport fetches the bytes of a remote object. Implementations are
// pluggable; the coordinator only cares about the returned stream.
type Transport interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPTransport is the default Transport.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates an HTTPTransport with pooled connections.
func NewHTTPTransport() *HTTPTransport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &HTTPTransport{
		client: &http.Client{
			Transport: tr,
			Timeout:   0, // timeout is controlled by context
		},
	}
}

// Fetch implements Transport. Any non-200 response is an error.
func (t *HTTPTransport) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Debian APT-HTTP/1.3 (velox)")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Newf("status %d for %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}
