package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/util"
)

// FileBackup saves events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := util.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the file an event is saved to: the artifact's base name
// with a .json extension.
func (f *FileBackup) Path(evt *MergeEvent) string {
	base := filepath.Base(evt.Artifact.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(f.dir, evt.EventType+"_"+stem+".json")
}

// Save writes an event to a local JSON file.
func (f *FileBackup) Save(evt *MergeEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	path := f.Path(evt)
	if err := util.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	slog.Debug("event saved", "component", "notify", "path", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	mu           sync.Mutex // serializes chain updates
	chainTracker *ChainTracker
	backup       *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(dir string) (*FileOnlyEmitter, error) {
	chainTracker, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}

	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{
		chainTracker: chainTracker,
		backup:       backup,
	}, nil
}

// Emit links evt into its chain and writes it to a file.
func (e *FileOnlyEmitter) Emit(evt *MergeEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	chainKey := evt.ChainKey()
	prevHash, _ := e.chainTracker.GetHead(chainKey)

	stamp(evt)
	evt.SetChainHashes(prevHash)

	slog.Info("emitting merge event",
		"component", "notify",
		"type", evt.EventType,
		"artifact", filepath.Base(evt.Artifact.Path),
		"event_hash", evt.Chain.EventHash)

	if err := e.backup.Save(evt); err != nil {
		return err
	}

	if err := e.chainTracker.SetHead(chainKey, evt.Chain.EventHash); err != nil {
		slog.Warn("failed to update chain head", "component", "notify", "error", err)
	}
	return nil
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}

func stamp(evt *MergeEvent) {
	evt.EventID = GenerateEventID()
	evt.Version = eventVersion
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}
