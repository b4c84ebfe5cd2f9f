// Package geo converts between slippy-map tile indices and geographic bounds
// in EPSG:4326 degrees using the Web Mercator tiling scheme.
package geo

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ErrNoTiles is returned when an extent is requested for an empty tile set.
var ErrNoTiles = errors.New("no tiles")

// Tile identifies a single tile in the global grid.
type Tile struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// BoundingBox is a geographic rectangle in degrees.
type BoundingBox struct {
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
}

// Bound returns the box as an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// Union returns the smallest box containing both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	u := b.Bound().Union(o.Bound())
	return BoundingBox{MinLon: u.Min.X(), MinLat: u.Min.Y(), MaxLon: u.Max.X(), MaxLat: u.Max.Y()}
}

// TileXToLon returns the longitude of the western edge of column x.
// Fractional x is allowed.
func TileXToLon(x float64, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	return x/n*360.0 - 180.0
}

// TileYToLat returns the latitude of the northern edge of row y.
// Fractional y is allowed.
func TileYToLat(y float64, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	return math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180.0 / math.Pi
}

// LonToTileX is the inverse of TileXToLon.
func LonToTileX(lon float64, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	return (lon + 180.0) / 360.0 * n
}

// LatToTileY is the inverse of TileYToLat.
func LatToTileY(lat float64, zoom int) float64 {
	n := math.Exp2(float64(zoom))
	rad := lat * math.Pi / 180.0
	return (1 - math.Asinh(math.Tan(rad))/math.Pi) / 2 * n
}

// Bounds returns the geographic bounds of the tile. Adjacent tiles share
// edges exactly because every edge is computed from an integer index.
func (t Tile) Bounds() BoundingBox {
	return BoundingBox{
		MinLon: TileXToLon(float64(t.X), t.Zoom),
		MinLat: TileYToLat(float64(t.Y+1), t.Zoom),
		MaxLon: TileXToLon(float64(t.X+1), t.Zoom),
		MaxLat: TileYToLat(float64(t.Y), t.Zoom),
	}
}

// Maptile converts t to its orb representation.
func (t Tile) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Zoom))
}

// TileAt returns the tile containing the given point.
func TileAt(lon, lat float64, zoom int) Tile {
	mt := maptile.At(orb.Point{lon, lat}, maptile.Zoom(zoom))
	return Tile{X: int(mt.X), Y: int(mt.Y), Zoom: zoom}
}

// Extent returns the union of the bounds of tiles, derived from the min and
// max x and y indices. When tiles span several zoom levels only the most
// common zoom (lowest on ties) is considered, and that zoom is returned.
func Extent(tiles []Tile) (BoundingBox, int, error) {
	if len(tiles) == 0 {
		return BoundingBox{}, 0, ErrNoTiles
	}

	zoom := DominantZoom(tiles)
	minX, minY := math.MaxInt, math.MaxInt
	maxX, maxY := math.MinInt, math.MinInt
	for _, t := range tiles {
		if t.Zoom != zoom {
			continue
		}
		minX = min(minX, t.X)
		maxX = max(maxX, t.X)
		minY = min(minY, t.Y)
		maxY = max(maxY, t.Y)
	}

	return BoundingBox{
		MinLon: TileXToLon(float64(minX), zoom),
		MinLat: TileYToLat(float64(maxY+1), zoom),
		MaxLon: TileXToLon(float64(maxX+1), zoom),
		MaxLat: TileYToLat(float64(minY), zoom),
	}, zoom, nil
}

// DominantZoom returns the most frequent zoom level in tiles.
func DominantZoom(tiles []Tile) int {
	counts := make(map[int]int)
	for _, t := range tiles {
		counts[t.Zoom]++
	}
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	best, bestCount := 0, -1
	for _, z := range zooms {
		if counts[z] > bestCount {
			best, bestCount = z, counts[z]
		}
	}
	return best
}
