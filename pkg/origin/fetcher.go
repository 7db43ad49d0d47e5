package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashpect/fwdproxy/pkg/cache"
	"github.com/sirupsen/logrus"
)

// Fetcher performs upstream requests on behalf of proxy clients. It never retries.
type Fetcher struct {
	client *http.Client
	log    *logrus.Entry
}

func New(client *http.Client, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		log:    logger.WithField("component", "origin_fetcher"),
	}
}

// Fetch requests rawURL and buffers the whole response into a CachedResponse.
// Every transport or read failure is returned as an *UnavailableError.
func (f *Fetcher) Fetch(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*cache.CachedResponse, error) {
	start := time.Now()
	resp, err := f.do(ctx, method, rawURL, header, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"method": method,
			"url":    rawURL,
		}).WithError(err).Warn("Reading origin body failed")
		return nil, &UnavailableError{Method: method, URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	// HEAD keeps the origin's length, the body is empty by definition
	if method != http.MethodHead && bodyAllowed(resp.StatusCode) {
		resp.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	}

	f.log.WithFields(logrus.Fields{
		"method":   method,
		"url":      rawURL,
		"status":   resp.StatusCode,
		"bytes":    len(payload),
		"duration": time.Since(start),
	}).Debug("Origin fetch completed")

	return &cache.CachedResponse{
		Status:   resp.StatusCode,
		Reason:   reasonPhrase(resp),
		Header:   resp.Header,
		Body:     payload,
		StoredAt: time.Now(),
	}, nil
}

// Stream requests rawURL and leaves the body open for the caller, who must close it.
// Streamed responses are never cached.
func (f *Fetcher) Stream(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Response, error) {
	return f.do(ctx, method, rawURL, header, body)
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if header != nil {
		req.Header = header.Clone()
		if req.ContentLength == 0 && body != nil {
			// keep a server request's declared length instead of chunking it upstream
			if n, err := strconv.ParseInt(req.Header.Get("Content-Length"), 10, 64); err == nil && n > 0 {
				req.ContentLength = n
			}
		}
	}
	RemoveHopByHopHeaders(req.Header)
	if _, ok := req.Header["User-Agent"]; !ok {
		// do not let net/http announce itself on the client's behalf
		req.Header.Set("User-Agent", "")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"method": method,
			"url":    rawURL,
		}).WithError(err).Warn("Origin request failed")
		return nil, &UnavailableError{Method: method, URL: rawURL, Err: err}
	}

	RemoveHopByHopHeaders(resp.Header)
	return resp, nil
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
