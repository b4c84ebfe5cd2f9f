package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const degTolerance = 1e-9

func TestBoundsRoundTrip(t *testing.T) {
	tile := Tile{X: 865069, Y: 525622, Zoom: 20}
	b := tile.Bounds()

	require.Less(t, b.MinLon, b.MaxLon)
	require.Less(t, b.MinLat, b.MaxLat)

	// Edges mapped back through the inverse land on integer tile indices.
	assert.InDelta(t, float64(tile.X), LonToTileX(b.MinLon, tile.Zoom), 1e-6)
	assert.InDelta(t, float64(tile.X+1), LonToTileX(b.MaxLon, tile.Zoom), 1e-6)
	assert.InDelta(t, float64(tile.Y), LatToTileY(b.MaxLat, tile.Zoom), 1e-6)
	assert.InDelta(t, float64(tile.Y+1), LatToTileY(b.MinLat, tile.Zoom), 1e-6)

	// Re-deriving the edges from the recovered indices reproduces them.
	assert.InDelta(t, b.MinLon, TileXToLon(math.Round(LonToTileX(b.MinLon, 20)), 20), degTolerance)
	assert.InDelta(t, b.MaxLon, TileXToLon(math.Round(LonToTileX(b.MaxLon, 20)), 20), degTolerance)
	assert.InDelta(t, b.MaxLat, TileYToLat(math.Round(LatToTileY(b.MaxLat, 20)), 20), degTolerance)
	assert.InDelta(t, b.MinLat, TileYToLat(math.Round(LatToTileY(b.MinLat, 20)), 20), degTolerance)
}

func TestBoundsAdjacentTilesShareEdges(t *testing.T) {
	tile := Tile{X: 865069, Y: 525622, Zoom: 20}
	b := tile.Bounds()

	east := Tile{X: tile.X + 1, Y: tile.Y, Zoom: tile.Zoom}.Bounds()
	south := Tile{X: tile.X, Y: tile.Y + 1, Zoom: tile.Zoom}.Bounds()

	assert.InDelta(t, b.MaxLon, east.MinLon, degTolerance)
	assert.InDelta(t, b.MinLat, south.MaxLat, degTolerance)
}

func TestBoundsWorldTile(t *testing.T) {
	b := Tile{X: 0, Y: 0, Zoom: 0}.Bounds()

	assert.InDelta(t, -180.0, b.MinLon, degTolerance)
	assert.InDelta(t, 180.0, b.MaxLon, degTolerance)
	assert.InDelta(t, 85.0511287798, b.MaxLat, 1e-9)
	assert.InDelta(t, -85.0511287798, b.MinLat, 1e-9)
}

func TestTileAtCenter(t *testing.T) {
	tile := Tile{X: 865069, Y: 525622, Zoom: 20}
	b := tile.Bounds()

	got := TileAt((b.MinLon+b.MaxLon)/2, (b.MinLat+b.MaxLat)/2, 20)
	assert.Equal(t, tile, got)
	assert.Equal(t, uint32(tile.X), tile.Maptile().X)
}

func TestExtent(t *testing.T) {
	tiles := []Tile{
		{X: 10, Y: 20, Zoom: 6},
		{X: 12, Y: 21, Zoom: 6},
		{X: 11, Y: 22, Zoom: 6},
		{X: 99, Y: 99, Zoom: 9},
	}

	ext, zoom, err := Extent(tiles)
	require.NoError(t, err)
	assert.Equal(t, 6, zoom)

	nw := Tile{X: 10, Y: 20, Zoom: 6}.Bounds()
	se := Tile{X: 12, Y: 22, Zoom: 6}.Bounds()
	assert.InDelta(t, nw.MinLon, ext.MinLon, degTolerance)
	assert.InDelta(t, nw.MaxLat, ext.MaxLat, degTolerance)
	assert.InDelta(t, se.MaxLon, ext.MaxLon, degTolerance)
	assert.InDelta(t, se.MinLat, ext.MinLat, degTolerance)

	union := nw.Union(se)
	assert.InDelta(t, union.MinLon, ext.MinLon, degTolerance)
	assert.InDelta(t, union.MinLat, ext.MinLat, degTolerance)
}

func TestExtentEmpty(t *testing.T) {
	_, _, err := Extent(nil)
	assert.ErrorIs(t, err, ErrNoTiles)
}

func TestDominantZoomTieBreak(t *testing.T) {
	tiles := []Tile{{Zoom: 18}, {Zoom: 17}, {Zoom: 18}, {Zoom: 17}}
	assert.Equal(t, 17, DominantZoom(tiles))
}

func TestFileNames(t *testing.T) {
	tile := Tile{X: 865069, Y: 525622, Zoom: 20}

	assert.Equal(t, "tile_20_865069_525622.jpg", FileName(tile, "jpg"))
	assert.Equal(t, "tile_20_865069_525622.tif", FileName(tile, GeoTIFFExt))

	got, ok := ParseFileName("/data/raw/batch-001/tile_20_865069_525622.jpg")
	require.True(t, ok)
	assert.Equal(t, tile, got)

	for _, name := range []string{
		"tile_20_865069_525622.jpg.part",
		"tile_list_batch-001.txt",
		"merged_batch_001.tif",
		"tile_20_x_1.jpg",
		"progress.json",
	} {
		_, ok := ParseFileName(name)
		assert.False(t, ok, name)
	}
}
