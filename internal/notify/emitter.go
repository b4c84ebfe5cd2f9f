// Package notify announces merged artifacts as hash-chained JSON events,
// written to a directory and optionally posted to an HTTP endpoint.
package notify

import (
	"context"
	"log/slog"

	"github.com/withObsrvr/tilemosaic/internal/config"
)

// Emitter is the interface for merge event emission.
type Emitter interface {
	Emit(ctx context.Context, evt MergeEvent) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
// Events go to cfg.Endpoint when set, always with a local copy in cfg.Dir
// (defaultDir when cfg.Dir is empty). With neither configured, events are
// discarded.
func NewEmitter(cfg config.NotifyConfig, defaultDir string) Emitter {
	log := slog.With("component", "notify")

	dir := cfg.Dir
	if dir == "" && cfg.Endpoint != "" {
		dir = defaultDir
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg.Endpoint, dir, cfg.Timeout)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(dir)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	if dir == "" {
		return Noop{}
	}
	return createFileOnlyEmitter(dir)
}

func createFileOnlyEmitter(dir string) Emitter {
	emitter, err := NewFileOnlyEmitter(dir)
	if err != nil {
		slog.Warn("failed to create file emitter, using no-op", "component", "notify", "error", err)
		return Noop{}
	}
	slog.Info("using file-only emitter", "component", "notify", "dir", dir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) Emit(ctx context.Context, evt MergeEvent) error {
	return w.emitter.Emit(ctx, &evt)
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) Emit(_ context.Context, evt MergeEvent) error {
	return w.emitter.Emit(&evt)
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

// Noop discards all events.
type Noop struct{}

func (Noop) Emit(context.Context, MergeEvent) error { return nil }
func (Noop) Close() error                           { return nil }
