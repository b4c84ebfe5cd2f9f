// Package checkpoint persists pipeline progress as JSON documents that are
// rewritten whole after every unit of work.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/util"
)

// State is implemented by every persisted progress document.
type State interface {
	// Stamp records the time of the save.
	Stamp(now time.Time)
}

// Store loads and saves one progress document of type T at a fixed path.
// One writer per file is assumed.
type Store[T any, PT interface {
	*T
	State
}] struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
	now  func() time.Time
}

// NewStore creates a store for the document at path.
func NewStore[T any, PT interface {
	*T
	State
}](path string) *Store[T, PT] {
	return &Store[T, PT]{
		path: path,
		log:  slog.With("component", "checkpoint", "path", path),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the file backing the store.
func (s *Store[T, PT]) Path() string {
	return s.path
}

// Load reads the document. A missing file yields a fresh zero state. A file
// that cannot be parsed is moved aside to <path>.corrupt and also yields a
// fresh state; losing progress is preferable to refusing to start.
func (s *Store[T, PT]) Load() *T {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := new(T)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cannot read progress file, starting fresh", "error", err)
		}
		return v
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.log.Warn("progress file is corrupt, starting fresh", "error", err)
		if rerr := os.Rename(s.path, s.path+".corrupt"); rerr != nil {
			s.log.Warn("cannot move corrupt progress file aside", "error", rerr)
		}
		return new(T)
	}
	return v
}

// Save stamps the document and atomically replaces the file.
func (s *Store[T, PT]) Save(v *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	PT(v).Stamp(s.now())

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := util.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write progress %s: %w", filepath.Base(s.path), err)
	}
	return nil
}

// FetchStore persists FetchProgress.
type FetchStore = Store[FetchProgress, *FetchProgress]

// LedgerStore persists the FailedLedger.
type LedgerStore = Store[FailedLedger, *FailedLedger]

// GeorefStore persists GeorefProgress.
type GeorefStore = Store[GeorefProgress, *GeorefProgress]

// WatchStore persists WatchProgress.
type WatchStore = Store[WatchProgress, *WatchProgress]

func NewFetchStore(path string) *FetchStore   { return NewStore[FetchProgress](path) }
func NewLedgerStore(path string) *LedgerStore { return NewStore[FailedLedger](path) }
func NewGeorefStore(path string) *GeorefStore { return NewStore[GeorefProgress](path) }
func NewWatchStore(path string) *WatchStore   { return NewStore[WatchProgress](path) }
