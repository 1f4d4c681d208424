package canvas

import (
	"golang.org/x/exp/maps"
)

// The compositor flattens the visible layer stack into raster tiles.
// Recompositing is incremental: mutations mark tiles dirty and flattened
// tiles are recomputed lazily before the next read. A generation counter
// orders dirty marks against reads; mutation and compositing never run
// concurrently on the same stack (the paint engine serializes them).

type Compositor struct {
	stack *LayerStack

	// hide censored layers from the flattened output
	censor bool

	cache      map[TileIndex]*Tile
	dirty      map[TileIndex]bool
	allDirty   bool
	generation uint64
}

func NewCompositor(stack *LayerStack) *Compositor {
	return &Compositor{
		stack:    stack,
		cache:    map[TileIndex]*Tile{},
		dirty:    map[TileIndex]bool{},
		allDirty: true,
	}
}

func (self *Compositor) SetCensor(censor bool) {
	if self.censor != censor {
		self.censor = censor
		self.MarkAllDirty()
	}
}

// Rebind points the compositor at a replacement stack, as after an undo
// replay swaps in a rebuilt state.
func (self *Compositor) Rebind(stack *LayerStack) {
	self.stack = stack
	self.MarkAllDirty()
}

func (self *Compositor) MarkDirty(tiles ...TileIndex) {
	for _, ti := range tiles {
		self.dirty[ti] = true
	}
	self.generation += 1
}

func (self *Compositor) MarkAllDirty() {
	self.allDirty = true
	maps.Clear(self.dirty)
	self.generation += 1
}

func (self *Compositor) Generation() uint64 {
	return self.generation
}

// FlatTile returns the flattened tile at ti, recomposing it first if a
// mutation touched it since the last read.
func (self *Compositor) FlatTile(ti TileIndex) *Tile {
	if self.allDirty {
		maps.Clear(self.cache)
		self.allDirty = false
	}
	if self.dirty[ti] {
		delete(self.cache, ti)
		delete(self.dirty, ti)
	}
	if t, ok := self.cache[ti]; ok {
		return t
	}
	t := self.stack.flattenTile(ti, self.censor)
	self.cache[ti] = t
	return t
}

// Composite flattens a pixel region bottom-to-top into a w*h ARGB raster,
// clipped to the canvas.
func (self *Compositor) Composite(x, y, w, h int) []uint32 {
	out := make([]uint32, w*h)
	width, height := self.stack.Size()
	x0 := max(x, 0)
	y0 := max(y, 0)
	x1 := min(x+w, width)
	y1 := min(y+h, height)
	if x1 <= x0 || y1 <= y0 {
		return out
	}
	for trow := floorDiv(y0, TileSize); trow <= floorDiv(y1-1, TileSize); trow += 1 {
		for tcol := floorDiv(x0, TileSize); tcol <= floorDiv(x1-1, TileSize); tcol += 1 {
			t := self.FlatTile(TileIndex{Col: tcol, Row: trow})
			px0 := max(x0, tcol*TileSize)
			py0 := max(y0, trow*TileSize)
			px1 := min(x1, (tcol+1)*TileSize)
			py1 := min(y1, (trow+1)*TileSize)
			for py := py0; py < py1; py += 1 {
				for px := px0; px < px1; px += 1 {
					out[(py-y)*w+(px-x)] = t.At(px-tcol*TileSize, py-trow*TileSize)
				}
			}
		}
	}
	return out
}

// flattenTile composites the full stack for one tile: background first, then
// root layers bottom to top.
func (self *LayerStack) flattenTile(ti TileIndex, censor bool) *Tile {
	var dst *Tile
	if bg := self.backgroundFor(ti); bg != nil {
		dst = bg.Clone()
	} else {
		dst = NewTile()
	}
	roots := self.rootIndices()
	for r := len(roots) - 1; 0 <= r; r -= 1 {
		self.compositeItem(dst, roots[r], ti, 255, censor)
	}
	return dst
}

// compositeItem blends the subtree rooted at arena index i onto dst. An
// isolated group is flattened alone first and then blended as a unit with
// the group's own opacity and mode; a pass-through group blends each child
// directly against the backdrop with the opacities multiplied.
func (self *LayerStack) compositeItem(dst *Tile, i int, ti TileIndex, parentOpacity uint8, censor bool) {
	item := self.items[i]
	if item.Hidden || item.Opacity == 0 {
		return
	}
	if censor && item.Censored {
		return
	}
	opacity := uint8(mul8(uint32(item.Opacity), uint32(parentOpacity)))

	if item.Group {
		children := self.childIndices(i)
		if item.Isolated {
			scratch := NewTile()
			for c := len(children) - 1; 0 <= c; c -= 1 {
				self.compositeItem(scratch, children[c], ti, 255, censor)
			}
			for p := 0; p < TilePixels; p += 1 {
				dst.Pixels[p] = BlendPixel(item.Blend, dst.Pixels[p], scratch.Pixels[p], opacity)
			}
		} else {
			for c := len(children) - 1; 0 <= c; c -= 1 {
				self.compositeItem(dst, children[c], ti, opacity, censor)
			}
		}
		return
	}

	content := self.contents[item.Id]
	if content == nil {
		return
	}
	src := content.tile(ti)
	if src == nil {
		return
	}
	for p := 0; p < TilePixels; p += 1 {
		dst.Pixels[p] = BlendPixel(item.Blend, dst.Pixels[p], src.Pixels[p], opacity)
	}
}
