package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPEmitter posts events to an HTTP endpoint, keeping a local copy of
// every event.
type HTTPEmitter struct {
	mu           sync.Mutex // serializes chain updates
	endpoint     string
	client       *http.Client
	chainTracker *ChainTracker
	backup       *FileBackup
	retries      int
	retryDelay   time.Duration
}

// NewHTTPEmitter creates a new HTTP emitter backed up to dir.
func NewHTTPEmitter(endpoint, dir string, timeout time.Duration) (*HTTPEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPEmitter{
		endpoint:     endpoint,
		client:       &http.Client{Timeout: timeout},
		chainTracker: chainTracker,
		backup:       backup,
		retries:      3,
		retryDelay:   time.Second,
	}, nil
}

// Emit sends an event to the configured endpoint.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *MergeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	log := slog.With("component", "notify", "endpoint", e.endpoint)

	// 1. Get previous hash for chain
	prevHash, err := e.chainTracker.GetHead(chainKey)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}

	// 2. Stamp and hash
	stamp(evt)
	evt.SetChainHashes(prevHash)

	log.Info("emitting merge event",
		"type", evt.EventType,
		"prev_hash", prevHash,
		"event_hash", evt.Chain.EventHash)

	// 3. Backup to local file (always, before HTTP)
	if err := e.backup.Save(evt); err != nil {
		log.Warn("backup failed", "error", err)
	}

	// 4. POST (with retry)
	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("notify emit failed: %w", err)
	}

	// 5. Update chain head
	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}

	return nil
}

// postWithRetry sends the event with exponential backoff between attempts.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *MergeEvent) error {
	var lastErr error
	delay := e.retryDelay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			slog.Warn("notify attempt failed",
				"component", "notify",
				"attempt", attempt,
				"max_attempts", e.retries,
				"retry_in", delay,
				"error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *MergeEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
