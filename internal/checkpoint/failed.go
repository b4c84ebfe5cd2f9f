package checkpoint

import (
	"sort"
	"time"
)

// FailedTile records a tile that exhausted its retries.
type FailedTile struct {
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// FailedLedger lists terminal tile failures per batch so a later pass can
// retry exactly those tiles.
type FailedLedger struct {
	Batches    map[int][]FailedTile `json:"batches"`
	LastUpdate time.Time            `json:"last_update"`
}

func (l *FailedLedger) Stamp(now time.Time) { l.LastUpdate = now }

// Set replaces the failures recorded for batch num. An empty list removes
// the entry.
func (l *FailedLedger) Set(num int, tiles []FailedTile) {
	if len(tiles) == 0 {
		delete(l.Batches, num)
		return
	}
	if l.Batches == nil {
		l.Batches = make(map[int][]FailedTile)
	}
	l.Batches[num] = tiles
}

// BatchNums returns the batches with recorded failures in ascending order.
func (l *FailedLedger) BatchNums() []int {
	nums := make([]int, 0, len(l.Batches))
	for n := range l.Batches {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Total returns the number of failed tiles across all batches.
func (l *FailedLedger) Total() int {
	n := 0
	for _, tiles := range l.Batches {
		n += len(tiles)
	}
	return n
}
