// Package planner partitions a rectangular tile range into numbered batches.
package planner

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/withObsrvr/tilemosaic/internal/geo"
)

var (
	// ErrInvalidRange is returned when a range end precedes its start.
	ErrInvalidRange = errors.New("invalid tile range")

	// ErrInvalidBatchSize is returned for batch sizes below one.
	ErrInvalidBatchSize = errors.New("batch size must be at least 1")

	// ErrInvalidBatchList is returned by ParseBatchList for malformed input.
	ErrInvalidBatchList = errors.New("invalid batch list")
)

// MaxBatchList bounds the number of batches one list may select.
const MaxBatchList = 100000

// Range is an inclusive rectangle of tile indices.
type Range struct {
	XStart int `json:"x_start" mapstructure:"x_start"`
	XEnd   int `json:"x_end" mapstructure:"x_end"`
	YStart int `json:"y_start" mapstructure:"y_start"`
	YEnd   int `json:"y_end" mapstructure:"y_end"`
}

// Validate checks that the range is non-empty and non-negative.
func (r Range) Validate() error {
	if r.XStart < 0 || r.YStart < 0 {
		return fmt.Errorf("%w: negative start (%d, %d)", ErrInvalidRange, r.XStart, r.YStart)
	}
	if r.XEnd < r.XStart {
		return fmt.Errorf("%w: x end %d < x start %d", ErrInvalidRange, r.XEnd, r.XStart)
	}
	if r.YEnd < r.YStart {
		return fmt.Errorf("%w: y end %d < y start %d", ErrInvalidRange, r.YEnd, r.YStart)
	}
	return nil
}

// TileCount returns the number of tiles in the range.
func (r Range) TileCount() int {
	return (r.XEnd - r.XStart + 1) * (r.YEnd - r.YStart + 1)
}

// Batch is one rectangular block of a plan.
type Batch struct {
	Num       int `json:"batch"`
	XStart    int `json:"x_start"`
	XEnd      int `json:"x_end"`
	YStart    int `json:"y_start"`
	YEnd      int `json:"y_end"`
	TileCount int `json:"tiles_count"`
}

// Dir returns the batch's directory name.
func (b Batch) Dir() string {
	return DirName(b.Num)
}

// Contains reports whether column x, row y lies in the batch.
func (b Batch) Contains(x, y int) bool {
	return x >= b.XStart && x <= b.XEnd && y >= b.YStart && y <= b.YEnd
}

// Tiles enumerates the batch's tiles column by column.
func (b Batch) Tiles(zoom int) []geo.Tile {
	tiles := make([]geo.Tile, 0, b.TileCount)
	for x := b.XStart; x <= b.XEnd; x++ {
		for y := b.YStart; y <= b.YEnd; y++ {
			tiles = append(tiles, geo.Tile{X: x, Y: y, Zoom: zoom})
		}
	}
	return tiles
}

// Plan splits r into batches of at most batchSize columns and rows. Batches
// are emitted row-major (y-block outer, x-block inner) and numbered from 1.
// The last block in a row or column may be smaller. Output depends only on
// the inputs.
func Plan(r Range, batchSize int) ([]Batch, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, ErrInvalidBatchSize
	}

	var batches []Batch
	num := 1
	for y := r.YStart; y <= r.YEnd; y += batchSize {
		yEnd := min(y+batchSize-1, r.YEnd)
		for x := r.XStart; x <= r.XEnd; x += batchSize {
			xEnd := min(x+batchSize-1, r.XEnd)
			batches = append(batches, Batch{
				Num:       num,
				XStart:    x,
				XEnd:      xEnd,
				YStart:    y,
				YEnd:      yEnd,
				TileCount: (xEnd - x + 1) * (yEnd - y + 1),
			})
			num++
		}
	}
	return batches, nil
}

// Pending returns the batches whose numbers are not in completed, in plan order.
func Pending(all []Batch, completed []int) []Batch {
	done := make(map[int]struct{}, len(completed))
	for _, n := range completed {
		done[n] = struct{}{}
	}
	var out []Batch
	for _, b := range all {
		if _, ok := done[b.Num]; !ok {
			out = append(out, b)
		}
	}
	return out
}

// Select returns the batches of all whose numbers appear in nums.
func Select(all []Batch, nums []int) []Batch {
	var out []Batch
	for _, b := range all {
		if slices.Contains(nums, b.Num) {
			out = append(out, b)
		}
	}
	return out
}

// RangeForBound returns the tile range covering bound at zoom. A bound edge
// lying exactly on a tile edge does not pull in the neighbouring tile.
func RangeForBound(bound orb.Bound, zoom int) Range {
	const eps = 1e-9

	xStart := int(math.Floor(geo.LonToTileX(bound.Min.X(), zoom) + eps))
	xEnd := int(math.Ceil(geo.LonToTileX(bound.Max.X(), zoom)-eps)) - 1
	yStart := int(math.Floor(geo.LatToTileY(bound.Max.Y(), zoom) + eps))
	yEnd := int(math.Ceil(geo.LatToTileY(bound.Min.Y(), zoom)-eps)) - 1

	limit := int(math.Exp2(float64(zoom))) - 1
	r := Range{
		XStart: clamp(xStart, 0, limit),
		XEnd:   clamp(xEnd, 0, limit),
		YStart: clamp(yStart, 0, limit),
		YEnd:   clamp(yEnd, 0, limit),
	}
	r.XEnd = max(r.XEnd, r.XStart)
	r.YEnd = max(r.YEnd, r.YStart)
	return r
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// DirName returns the directory name for batch num, e.g. "batch-007".
func DirName(num int) string {
	return fmt.Sprintf("batch-%03d", num)
}

// ParseDirName reverses DirName.
func ParseDirName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "batch-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// ListBatches returns the numbers of the batch directories under root,
// sorted ascending. A missing root yields an empty list.
func ListBatches(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	var nums []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, ok := ParseDirName(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	return nums, nil
}

// ParseBatchList parses "1,2,5", "1-10" or a mix such as "1-3,7" into a
// sorted list of distinct batch numbers.
func ParseBatchList(s string) ([]int, error) {
	seen := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBatchList, part)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrInvalidBatchList, part)
			}
		}
		if start < 1 || end < start {
			return nil, fmt.Errorf("%w: %q", ErrInvalidBatchList, part)
		}
		if end-start >= MaxBatchList-len(seen) {
			return nil, fmt.Errorf("%w: %q selects more than %d batches", ErrInvalidBatchList, part, MaxBatchList)
		}
		for n := start; n <= end; n++ {
			seen[n] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidBatchList)
	}

	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}
