package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/withObsrvr/tilemosaic/internal/config"
	"github.com/withObsrvr/tilemosaic/internal/geo"
	"github.com/withObsrvr/tilemosaic/internal/metrics"
)

// StatusError is returned for any response other than 200 OK.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.Code)
}

// writeError marks local filesystem failures, which are not retried.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// Client downloads tiles with bounded retries.
type Client struct {
	httpClient  *http.Client
	urlTemplate string
	userAgent   string
	referer     string
	variant     int
	retries     int
	retryDelay  time.Duration
	timeout     time.Duration
	chunkSize   int
	metrics     *metrics.Metrics
}

// NewClient creates a client from the fetch configuration. The dialer
// enforces the connect timeout; every attempt is additionally bounded by
// connect + read timeout.
func NewClient(cfg config.FetchConfig, m *metrics.Metrics) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          cfg.Concurrency,
		MaxIdleConnsPerHost:   cfg.Concurrency,
		IdleConnTimeout:       90 * time.Second,
		// Bodies are decoded explicitly by Content-Encoding.
		DisableCompression: true,
	}

	return &Client{
		httpClient:  &http.Client{Transport: transport},
		urlTemplate: cfg.URLTemplate,
		userAgent:   cfg.UserAgent,
		referer:     cfg.Referer,
		variant:     cfg.Variant,
		retries:     cfg.RetryAttempts,
		retryDelay:  cfg.RetryDelay,
		timeout:     cfg.ConnectTimeout + cfg.ReadTimeout,
		chunkSize:   max(cfg.ChunkSize, 1),
		metrics:     m,
	}
}

// URL expands the template for t.
func (c *Client) URL(t geo.Tile) string {
	return strings.NewReplacer(
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
		"{z}", strconv.Itoa(t.Zoom),
		"{variant}", strconv.Itoa(c.variant),
	).Replace(c.urlTemplate)
}

// Download fetches url into dst. Up to c.retries further attempts follow a
// failure, waiting retryDelay*attempt before each. Requests already on the
// wire are not aborted when ctx is cancelled; cancellation only stops
// further attempts. It returns the bytes written and the retries used.
func (c *Client) Download(ctx context.Context, url, dst string) (int64, int, error) {
	reqCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.metrics.IncRetry()
			if err := c.backoff(ctx, attempt); err != nil {
				return 0, attempt - 1, lastErr
			}
		}

		n, err := c.fetchOnce(reqCtx, url, dst)
		if err == nil {
			return n, attempt, nil
		}
		lastErr = err

		var we *writeError
		if errors.As(err, &we) {
			return 0, attempt, err
		}
	}

	return 0, c.retries, fmt.Errorf("after %d retries: %w", c.retries, lastErr)
}

// backoff waits before retry attempt. Cancellation is checked before
// sleeping and again after waking.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(c.retryDelay * time.Duration(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return ctx.Err()
}

func (c *Client) fetchOnce(ctx context.Context, url, dst string) (int64, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &writeError{fmt.Errorf("build request: %w", err)}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	req.Header.Set("Accept", "image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, &StatusError{Code: resp.StatusCode}
	}

	body, err := decodeBody(resp)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	return c.writeFile(body, dst)
}

// writeFile streams r into dst through a temp file so a partial tile is
// never left under its final name.
func (c *Client) writeFile(r io.Reader, dst string) (int64, error) {
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, &writeError{fmt.Errorf("create %s: %w", tmp, err)}
	}

	n, err := io.CopyBuffer(f, r, make([]byte, c.chunkSize))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &writeError{cerr}
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return 0, &writeError{fmt.Errorf("rename %s: %w", tmp, err)}
	}
	return n, nil
}

// decodeBody unwraps gzip or zstd Content-Encoding.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}
}
