package checkpoint

import (
	"errors"
	"fmt"
	"time"
)

// ErrInconsistentWatchState is returned by Validate when the batch sets do
// not partition the requested set.
var ErrInconsistentWatchState = errors.New("inconsistent watch state")

// WatchProgress is the durable state of the merge coordinator. After every
// save Requested equals Merged ∪ Waiting ∪ Failed and the three sets are
// pairwise disjoint. Merged and Failed are terminal.
type WatchProgress struct {
	RunID         string         `json:"run_id"`
	Requested     []int          `json:"batches_requested"`
	Merged        []int          `json:"batches_merged"`
	Waiting       []int          `json:"batches_waiting"`
	Failed        []int          `json:"batches_failed"`
	Errors        map[int]string `json:"errors,omitempty"`
	CheckInterval float64        `json:"check_interval_seconds"`
	Parallel      bool           `json:"parallel"`
	Workers       int            `json:"max_workers"`
	StartTime     time.Time      `json:"start_time"`
	LastUpdate    time.Time      `json:"last_update"`
}

func (w *WatchProgress) Stamp(now time.Time) { w.LastUpdate = now }

// Empty reports whether no batches were ever requested.
func (w *WatchProgress) Empty() bool {
	return len(w.Requested) == 0
}

// Request adds batches to the requested set. New batches start waiting;
// batches already known keep their state.
func (w *WatchProgress) Request(nums ...int) {
	for _, n := range nums {
		if containsInt(w.Requested, n) {
			continue
		}
		w.Requested = addInt(w.Requested, n)
		w.Waiting = addInt(w.Waiting, n)
	}
	if w.Merged == nil {
		w.Merged = []int{}
	}
	if w.Failed == nil {
		w.Failed = []int{}
	}
}

// IsTerminal reports whether batch num has been merged or failed.
func (w *WatchProgress) IsTerminal(num int) bool {
	return containsInt(w.Merged, num) || containsInt(w.Failed, num)
}

// IsMerged reports whether batch num has been merged.
func (w *WatchProgress) IsMerged(num int) bool {
	return containsInt(w.Merged, num)
}

// MarkMerged moves a waiting batch to merged. Terminal batches are left alone.
func (w *WatchProgress) MarkMerged(num int) {
	if w.IsTerminal(num) || !containsInt(w.Requested, num) {
		return
	}
	w.Waiting = removeInt(w.Waiting, num)
	w.Merged = addInt(w.Merged, num)
}

// MarkFailed moves a waiting batch to failed with a diagnostic.
func (w *WatchProgress) MarkFailed(num int, reason string) {
	if w.IsTerminal(num) || !containsInt(w.Requested, num) {
		return
	}
	w.Waiting = removeInt(w.Waiting, num)
	w.Failed = addInt(w.Failed, num)
	if w.Errors == nil {
		w.Errors = make(map[int]string)
	}
	w.Errors[num] = reason
}

// Validate checks the partition invariant.
func (w *WatchProgress) Validate() error {
	seen := make(map[int]string, len(w.Requested))
	for name, set := range map[string][]int{"merged": w.Merged, "waiting": w.Waiting, "failed": w.Failed} {
		for _, n := range set {
			if prev, dup := seen[n]; dup {
				return fmt.Errorf("%w: batch %d is both %s and %s", ErrInconsistentWatchState, n, prev, name)
			}
			if !containsInt(w.Requested, n) {
				return fmt.Errorf("%w: batch %d is %s but was never requested", ErrInconsistentWatchState, n, name)
			}
			seen[n] = name
		}
	}
	for _, n := range w.Requested {
		if _, ok := seen[n]; !ok {
			return fmt.Errorf("%w: batch %d has no state", ErrInconsistentWatchState, n)
		}
	}
	return nil
}
