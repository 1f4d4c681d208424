package canvas

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Tiles are the atomic unit of storage, diffing, and dirty tracking. A
// layer's raster is a sparse grid of tiles: untouched regions cost nothing
// and compositing skips them.

const TileSize = 64
const TilePixels = TileSize * TileSize

// TileIndex addresses a tile by column and row in the canvas grid.
type TileIndex struct {
	Col int
	Row int
}

func tileIndexAt(x, y int) TileIndex {
	return TileIndex{Col: floorDiv(x, TileSize), Row: floorDiv(y, TileSize)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q -= 1
	}
	return q
}

type Tile struct {
	Pixels [TilePixels]uint32
	// set while more than one content may reference this tile; writers
	// copy first
	shared bool
}

func NewTile() *Tile {
	return &Tile{}
}

func NewSolidTile(color uint32) *Tile {
	t := &Tile{}
	for i := range t.Pixels {
		t.Pixels[i] = color
	}
	return t
}

func (self *Tile) Clone() *Tile {
	clone := &Tile{Pixels: self.Pixels}
	return clone
}

func (self *Tile) At(x, y int) uint32 {
	return self.Pixels[y*TileSize+x]
}

func (self *Tile) Set(x, y int, pixel uint32) {
	self.Pixels[y*TileSize+x] = pixel
}

// Blank reports whether every pixel is fully transparent. Blank tiles are
// freed from the store to bound memory for sparse layers.
func (self *Tile) Blank() bool {
	for _, p := range self.Pixels {
		if p != 0 {
			return false
		}
	}
	return true
}

// Compress serializes the tile as zlib-deflated big-endian ARGB words, the
// wire form carried by puttile messages and session snapshots.
func (self *Tile) Compress() ([]byte, error) {
	raw := make([]byte, TilePixels*4)
	for i, p := range self.Pixels {
		binary.BigEndian.PutUint32(raw[i*4:], p)
	}
	return deflate(raw)
}

func DecompressTile(data []byte) (*Tile, error) {
	raw, err := inflate(data, TilePixels*4)
	if err != nil {
		return nil, err
	}
	t := &Tile{}
	for i := range t.Pixels {
		t.Pixels[i] = binary.BigEndian.Uint32(raw[i*4:])
	}
	return t, nil
}

func deflate(raw []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte, expectedLen int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw := make([]byte, expectedLen)
	if _, err := io.ReadFull(zr, raw); err != nil {
		return nil, err
	}
	// a correct producer emits exactly expectedLen bytes
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("compressed payload longer than expected %d", expectedLen)
	}
	return raw, nil
}

// tileContent is one layer's sparse tile grid. Cloning shares tile pointers
// copy-on-write: sharing is tracked per tile, so a write copies only tiles
// that are still referenced by a clone and the fresh copy is owned again.
type tileContent struct {
	tiles map[TileIndex]*Tile
}

func newTileContent() *tileContent {
	return &tileContent{tiles: map[TileIndex]*Tile{}}
}

func (self *tileContent) clone() *tileContent {
	clone := &tileContent{tiles: map[TileIndex]*Tile{}}
	for ti, t := range self.tiles {
		t.shared = true
		clone.tiles[ti] = t
	}
	return clone
}

func (self *tileContent) tile(ti TileIndex) *Tile {
	return self.tiles[ti]
}

// writable returns the tile for mutation, creating it lazily on first write
func (self *tileContent) writable(ti TileIndex) *Tile {
	t := self.tiles[ti]
	if t == nil {
		t = NewTile()
		self.tiles[ti] = t
	} else if t.shared {
		t = t.Clone()
		self.tiles[ti] = t
	}
	return t
}

func (self *tileContent) put(ti TileIndex, t *Tile) {
	if t == nil {
		delete(self.tiles, ti)
	} else {
		self.tiles[ti] = t
	}
}

// freeIfBlank drops a tile that a write left fully transparent
func (self *tileContent) freeIfBlank(ti TileIndex) {
	if t := self.tiles[ti]; t != nil && t.Blank() {
		delete(self.tiles, ti)
	}
}
