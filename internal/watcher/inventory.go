package watcher

import (
	"errors"
	"io/fs"
	"slices"

	"github.com/withObsrvr/tilemosaic/internal/planner"
	"github.com/withObsrvr/tilemosaic/internal/util"
)

// BatchInfo summarizes one batch across the pipeline stages.
type BatchInfo struct {
	Batch         int
	Raw           int
	Georeferenced int
	Expected      int // zero when no fetch progress covers the batch
	Merged        bool
	MergedBytes   int64
	Ready         bool // mergeable under the complete policy
}

// Inventory lists every batch found under rawDir or georefDir, in batch
// order.
func Inventory(rawDir, georefDir, mergedDir string) ([]BatchInfo, error) {
	var nums []int
	for _, root := range []string{rawDir, georefDir} {
		found, err := planner.ListBatches(root)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		for _, n := range found {
			if !slices.Contains(nums, n) {
				nums = append(nums, n)
			}
		}
	}
	slices.Sort(nums)

	ready, err := NewReadiness(PolicyComplete, rawDir, georefDir)
	if err != nil {
		return nil, err
	}
	m := NewMerger(nil, georefDir, mergedDir)
	out := make([]BatchInfo, 0, len(nums))
	for _, n := range nums {
		p, err := ready.Probe(n)
		if err != nil {
			return nil, err
		}
		info := BatchInfo{
			Batch:         n,
			Raw:           p.Raw,
			Georeferenced: p.Georeferenced,
			Expected:      p.Expected,
			Ready:         p.Ready,
		}

		if path := m.OutputPath(n); util.FileExists(path) {
			info.Merged = true
			info.MergedBytes = util.FileSize(path)
		}
		out = append(out, info)
	}
	return out, nil
}
