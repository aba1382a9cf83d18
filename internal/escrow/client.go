package escrow

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// Retry policy constants. Backoff is linear, (attempt+1)*tryDelayFactor,
// bounded by maxTries attempts in total.
const (
	maxTries       = 5
	tryDelayFactor = 5 * time.Second
)

// MetadataSource gathers host-identifying facts (hostname, serial,
// platform UUID, owner). Defined at the consumer per Go convention
// "accept interfaces, return structs"; hostinfo provides the real one.
type MetadataSource func(ctx context.Context) (Metadata, error)

// Options configures a Client.
type Options struct {
	// BaseURL is the escrow server origin, scheme and host only.
	BaseURL string
	// EscrowPath is the server path secrets are escrowed under,
	// e.g. "/filevault". Varies by encryption backend kind.
	EscrowPath string
	// Header carries the authenticated identity headers attached to
	// every outgoing request.
	Header http.Header
	// HTTPClient must validate server certificates against the pinned
	// trust root. Build it with NewPinnedHTTPClient.
	HTTPClient *http.Client
	// RequiredMetadata lists the metadata keys that must be present and
	// non-empty before any upload, in declared order.
	RequiredMetadata []string
	// Gather provides host metadata. Called at most once per Client.
	Gather MetadataSource
	Logger *slog.Logger
}

// Client talks the escrow wire protocol for one authenticated session.
// It is safe for concurrent use; operations on the same target are
// serialized internally.
type Client struct {
	baseURL    string
	escrowPath string
	escrowURL  string
	httpClient *http.Client
	header     http.Header
	required   []string
	gather     MetadataSource
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	metadata Metadata

	targets targetLocks
}

// NewClient creates an escrow protocol client.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    opts.BaseURL,
		escrowPath: opts.EscrowPath,
		escrowURL:  opts.BaseURL + opts.EscrowPath,
		httpClient: httpClient,
		header:     opts.Header,
		required:   opts.RequiredMetadata,
		gather:     opts.Gather,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// NewPinnedHTTPClient builds an HTTP client whose TLS connections are
// validated against the CA bundle at caBundlePath and nothing else.
// It fails closed: an unreadable or empty bundle is an error, and there
// is no fallback to unverified transport or system roots.
func NewPinnedHTTPClient(caBundlePath string, timeout time.Duration) (*http.Client, error) {
	pem, err := os.ReadFile(caBundlePath)
	if err != nil {
		return nil, fmt.Errorf("escrow: reading CA bundle %s: %w", caBundlePath, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("escrow: CA bundle %s contains no certificates", caBundlePath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    pool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// request describes one outbound call for do.
type request struct {
	method      string
	url         string
	body        []byte
	contentType string

	// mapNotFound classifies a 404 as ErrNotFound ("no escrow record for
	// this target"). Only calls addressing a specific target set it; a 404
	// from the token endpoint stays a plain RequestError.
	mapNotFound bool
}

// do executes req with the bounded retry policy.
//
// A 4xx response with retryOn4xx=false fails immediately (client errors
// are not transient). Everything else (5xx, connection errors, timeouts)
// is retried up to maxTries attempts, sleeping (attempt+1)*tryDelayFactor
// between attempts. Exhaustion returns a RequestError wrapping
// ErrPermanent and the last underlying failure.
//
// On success the caller owns the response body.
func (c *Client) do(ctx context.Context, req request, description string, retryOn4xx bool) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < maxTries; attempt++ {
		resp, err := c.doOnce(ctx, req)

		switch {
		case err != nil:
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, &RequestError{Description: description, Err: ctx.Err()}
			}

			lastErr = err

		case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
			c.logger.Debug("request succeeded",
				slog.String("description", description),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil

		default:
			errBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			if readErr != nil {
				errBody = []byte("(failed to read response body)")
			}

			reqErr := &RequestError{
				StatusCode:  resp.StatusCode,
				Description: description,
				Body:        string(errBody),
				Err:         classifyStatus(resp.StatusCode, req.mapNotFound),
			}

			if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode < http.StatusInternalServerError && !retryOn4xx {
				return nil, reqErr
			}

			lastErr = reqErr
		}

		if attempt == maxTries-1 {
			break
		}

		backoff := time.Duration(attempt+1) * tryDelayFactor
		c.logger.Warn("request failed, retrying",
			slog.String("description", description),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, &RequestError{Description: description, Err: sleepErr}
		}
	}

	c.logger.Error("request failed permanently",
		slog.String("description", description),
		slog.Int("attempts", maxTries),
		slog.String("error", lastErr.Error()),
	)

	return nil, &RequestError{
		Description: description,
		Err:         fmt.Errorf("%w: %w", ErrPermanent, lastErr),
	}
}

// doOnce executes a single HTTP request (no retry). Identity headers
// are attached to every request.
func (c *Client) doOnce(ctx context.Context, req request) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, vs := range c.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	return c.httpClient.Do(httpReq)
}

// classifyStatus maps an HTTP error status to a sentinel, or nil when
// no finer classification than RequestError applies.
func classifyStatus(code int, mapNotFound bool) error {
	if mapNotFound && code == http.StatusNotFound {
		return ErrNotFound
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// targetLocks serializes escrow operations per target identifier.
// Two in-flight upload/retrieve calls for the same target within one
// process are forbidden.
type targetLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// acquire locks the mutex for target, creating it on first use, and
// returns the unlock function.
func (t *targetLocks) acquire(target string) func() {
	t.mu.Lock()

	if t.m == nil {
		t.m = make(map[string]*sync.Mutex)
	}

	l, ok := t.m[target]
	if !ok {
		l = &sync.Mutex{}
		t.m[target] = l
	}

	t.mu.Unlock()

	l.Lock()

	return l.Unlock
}
