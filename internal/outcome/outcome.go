// Package outcome defines the per-tile result of a pipeline step and the
// order-independent tally used to summarise a batch.
package outcome

import (
	"sort"
	"time"

	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/geo"
)

// Outcome is one of Success, Skipped or Failed.
type Outcome interface {
	Coord() geo.Tile
	isOutcome()
}

// Success means the step produced a new file of SizeBytes.
type Success struct {
	Tile      geo.Tile
	SizeBytes int64
}

// Skipped means the output already existed and no work was done.
type Skipped struct {
	Tile geo.Tile
}

// Failed means the step gave up on the tile.
type Failed struct {
	Tile    geo.Tile
	Err     error
	Retries int
}

func (o Success) Coord() geo.Tile { return o.Tile }
func (o Skipped) Coord() geo.Tile { return o.Tile }
func (o Failed) Coord() geo.Tile  { return o.Tile }

func (Success) isOutcome() {}
func (Skipped) isOutcome() {}
func (Failed) isOutcome()  {}

// Tally aggregates outcomes. Add is commutative so completion order does
// not matter. Tally is not safe for concurrent use.
type Tally struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
	Failures  []Failed
}

// Add folds one outcome into the tally.
func (t *Tally) Add(o Outcome) {
	switch v := o.(type) {
	case Success:
		t.Succeeded++
		t.Bytes += v.SizeBytes
	case Skipped:
		t.Skipped++
	case Failed:
		t.Failed++
		t.Failures = append(t.Failures, v)
	}
}

// Total returns the number of outcomes added.
func (t *Tally) Total() int {
	return t.Succeeded + t.Skipped + t.Failed
}

// FailedTiles returns the failures sorted by column then row.
func (t *Tally) FailedTiles() []checkpoint.FailedTile {
	out := make([]checkpoint.FailedTile, 0, len(t.Failures))
	for _, f := range t.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		out = append(out, checkpoint.FailedTile{X: f.Tile.X, Y: f.Tile.Y, Error: msg, Retries: f.Retries})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}

// Stats converts the tally into persisted batch stats.
func (t *Tally) Stats(batch, tiles int, elapsed time.Duration, status string) checkpoint.BatchStats {
	secs := elapsed.Seconds()
	rate := 0.0
	if secs > 0 {
		rate = float64(t.Succeeded) / secs
	}
	return checkpoint.BatchStats{
		Batch:          batch,
		Status:         status,
		Tiles:          tiles,
		Succeeded:      t.Succeeded,
		Skipped:        t.Skipped,
		Failed:         t.Failed,
		Bytes:          t.Bytes,
		Seconds:        secs,
		TilesPerSecond: rate,
		FinishedAt:     time.Now().UTC(),
	}
}
