package notify

import (
	"time"

	"github.com/withObsrvr/tilemosaic/internal/geo"
)

// Event types.
const (
	EventBatchMerged = "batch_merged"
	EventRunMerged   = "run_merged"
)

const eventVersion = "1.0"

// MergeEvent is the notification written or posted for each merged artifact.
type MergeEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`

	Artifact ArtifactInfo `json:"artifact"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// ArtifactInfo describes the merged file.
type ArtifactInfo struct {
	Batch    int             `json:"batch,omitempty"`
	Batches  []int           `json:"batches,omitempty"`
	Path     string          `json:"path"`
	URI      string          `json:"uri,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
	ByteSize int64           `json:"byte_size"`
	Tiles    int             `json:"tiles"`
	Zoom     int             `json:"zoom"`
	Bounds   geo.BoundingBox `json:"bounds"`
}

// ProducerInfo identifies the software that produced the artifact.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha,omitempty"`
}

// ChainInfo links each event to its predecessor so a gap or edit in the
// event log is detectable.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain this event belongs to.
func (e *MergeEvent) ChainKey() string {
	return e.EventType
}

// SetChainHashes links the event to prevHash and computes its own hash.
func (e *MergeEvent) SetChainHashes(prevHash string) {
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
