package geo

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// GeoTIFFExt is the extension of georeferenced tiles and mosaics.
const GeoTIFFExt = ".tif"

// TilePath pairs a tile with a file on disk.
type TilePath struct {
	Tile Tile
	Path string
}

// FileName returns the canonical file name for t with the given extension,
// e.g. "tile_20_865069_525622.jpg". ext may include the leading dot.
func FileName(t Tile, ext string) string {
	return fmt.Sprintf("tile_%d_%d_%d.%s", t.Zoom, t.X, t.Y, strings.TrimPrefix(ext, "."))
}

// ParseFileName reverses FileName. Names that do not follow the pattern,
// including temporary files, report false.
func ParseFileName(name string) (Tile, bool) {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext == "" {
		return Tile{}, false
	}
	parts := strings.Split(strings.TrimSuffix(base, ext), "_")
	if len(parts) != 4 || parts[0] != "tile" {
		return Tile{}, false
	}

	var nums [3]int
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Tile{}, false
		}
		nums[i] = n
	}
	return Tile{Zoom: nums[0], X: nums[1], Y: nums[2]}, true
}
