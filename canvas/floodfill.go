package canvas

import (
	"context"
	"errors"

	"github.com/inkwire/inkwire/protocol"
)

var (
	ErrFillOutsideCanvas = errors.New("fill point outside the canvas")
	ErrFillSizeLimit     = errors.New("fill area exceeds the size limit")
)

type FloodFillSettings struct {
	// reference layer, ignored when SampleMerged is set
	Layer uint16
	// fill color, straight ARGB
	Color uint32
	// per-channel match slack, 0 for exact
	Tolerance uint8
	// sample the flattened canvas instead of a single layer
	SampleMerged bool
	// abort once the region grows past this many pixels, 0 for no limit
	SizeLimit int
	// grow the finished region outward by this many pixels
	Expand int
}

func DefaultFloodFillSettings() *FloodFillSettings {
	return &FloodFillSettings{
		Tolerance: 0,
		SizeLimit: 1024 * 1024,
		Expand:    0,
	}
}

// FillImage is a filled region positioned on the canvas, ready to be
// compressed and resubmitted as a put image message.
type FillImage struct {
	X, Y   int
	W, H   int
	Pixels []uint32
}

// Message packages the region as a put image against the target layer.
func (self *FillImage) Message(contextId uint8, layer uint16, mode protocol.Blend) (protocol.Message, error) {
	raw := make([]byte, len(self.Pixels)*4)
	for i, pixel := range self.Pixels {
		raw[i*4] = byte(pixel >> 24)
		raw[i*4+1] = byte(pixel >> 16)
		raw[i*4+2] = byte(pixel >> 8)
		raw[i*4+3] = byte(pixel)
	}
	compressed, err := deflate(raw)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{
		ContextId: contextId,
		Body: &protocol.PutImage{
			Layer: layer,
			Mode:  mode,
			X:     uint32(self.X),
			Y:     uint32(self.Y),
			W:     uint32(self.W),
			H:     uint32(self.H),
			Image: compressed,
		},
	}, nil
}

// fillSampler reads reference pixels from a snapshot, caching one flattened
// or layer tile at a time. Fills walk mostly tile-local spans, so a single
// slot wins over a map.
type fillSampler struct {
	stack        *LayerStack
	layer        uint16
	sampleMerged bool

	cachedIndex TileIndex
	cached      *Tile
	valid       bool
}

func (self *fillSampler) at(x, y int) uint32 {
	ti := tileIndexAt(x, y)
	if !self.valid || ti != self.cachedIndex {
		if self.sampleMerged {
			self.cached = self.stack.flattenTile(ti, false)
		} else {
			self.cached = self.stack.Tile(self.layer, ti)
		}
		self.cachedIndex = ti
		self.valid = true
	}
	if self.cached == nil {
		return 0
	}
	return self.cached.At(x-ti.Col*TileSize, y-ti.Row*TileSize)
}

func channelDelta(a, b uint32) uint32 {
	if a < b {
		return b - a
	}
	return a - b
}

func withinTolerance(reference, pixel uint32, tolerance uint8) bool {
	return channelDelta(alphaOf(reference), alphaOf(pixel)) <= uint32(tolerance) &&
		channelDelta(redOf(reference), redOf(pixel)) <= uint32(tolerance) &&
		channelDelta(greenOf(reference), greenOf(pixel)) <= uint32(tolerance) &&
		channelDelta(blueOf(reference), blueOf(pixel)) <= uint32(tolerance)
}

// FloodFill computes a contiguous fill region on a snapshot. It never
// mutates the snapshot. The context cancels long fills on large canvases.
func FloodFill(ctx context.Context, snapshot *CanvasSnapshot, x, y int, settings *FloodFillSettings) (*FillImage, error) {
	stack := snapshot.Stack
	width, height := stack.Size()
	if x < 0 || width <= x || y < 0 || height <= y {
		return nil, ErrFillOutsideCanvas
	}
	if !settings.SampleMerged {
		if _, ok := stack.Layer(settings.Layer); !ok {
			return nil, ErrNotFound
		}
	}

	sampler := &fillSampler{
		stack:        stack,
		layer:        settings.Layer,
		sampleMerged: settings.SampleMerged,
	}
	reference := sampler.at(x, y)

	mask := make([]bool, width*height)
	matched := func(px, py int) bool {
		return withinTolerance(reference, sampler.at(px, py), settings.Tolerance)
	}

	// scanline fill: expand each seed to a full horizontal span, then seed
	// the rows above and below
	type span struct {
		x, y int
	}
	queue := []span{{x, y}}
	mask[y*width+x] = true
	filled := 1
	checked := 0

	for 0 < len(queue) {
		seed := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		checked += 1
		if checked%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		left := seed.x
		for 0 < left && !mask[seed.y*width+left-1] && matched(left-1, seed.y) {
			left -= 1
			mask[seed.y*width+left] = true
			filled += 1
		}
		right := seed.x
		for right < width-1 && !mask[seed.y*width+right+1] && matched(right+1, seed.y) {
			right += 1
			mask[seed.y*width+right] = true
			filled += 1
		}
		if settings.SizeLimit != 0 && settings.SizeLimit < filled {
			return nil, ErrFillSizeLimit
		}

		for _, ny := range []int{seed.y - 1, seed.y + 1} {
			if ny < 0 || height <= ny {
				continue
			}
			for nx := left; nx <= right; nx += 1 {
				if !mask[ny*width+nx] && matched(nx, ny) {
					mask[ny*width+nx] = true
					filled += 1
					queue = append(queue, span{nx, ny})
				}
			}
		}
	}

	if 0 < settings.Expand {
		mask = dilateMask(mask, width, height, settings.Expand)
	}

	return maskToImage(mask, width, height, settings.Color), nil
}

// dilateMask grows the region by radius pixels using a diamond kernel, one
// ring per pass.
func dilateMask(mask []bool, width, height, radius int) []bool {
	current := mask
	for pass := 0; pass < radius; pass += 1 {
		next := make([]bool, len(current))
		copy(next, current)
		for y := 0; y < height; y += 1 {
			for x := 0; x < width; x += 1 {
				if !current[y*width+x] {
					continue
				}
				if 0 < x {
					next[y*width+x-1] = true
				}
				if x < width-1 {
					next[y*width+x+1] = true
				}
				if 0 < y {
					next[(y-1)*width+x] = true
				}
				if y < height-1 {
					next[(y+1)*width+x] = true
				}
			}
		}
		current = next
	}
	return current
}

func maskToImage(mask []bool, width, height int, color uint32) *FillImage {
	minX, minY := width, height
	maxX, maxY := -1, -1
	for y := 0; y < height; y += 1 {
		for x := 0; x < width; x += 1 {
			if mask[y*width+x] {
				if x < minX {
					minX = x
				}
				if maxX < x {
					maxX = x
				}
				if y < minY {
					minY = y
				}
				if maxY < y {
					maxY = y
				}
			}
		}
	}
	if maxX < 0 {
		return &FillImage{Pixels: []uint32{}}
	}

	w := maxX - minX + 1
	h := maxY - minY + 1
	pixels := make([]uint32, w*h)
	for y := 0; y < h; y += 1 {
		for x := 0; x < w; x += 1 {
			if mask[(minY+y)*width+minX+x] {
				pixels[y*w+x] = color
			}
		}
	}
	return &FillImage{
		X:      minX,
		Y:      minY,
		W:      w,
		H:      h,
		Pixels: pixels,
	}
}
