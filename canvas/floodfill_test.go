package canvas

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/inkwire/inkwire/protocol"
)

// outlineSnapshot draws a one pixel box outline from (10,10) to (20,20)
// on a single layer.
func outlineSnapshot(t *testing.T) *CanvasSnapshot {
	stack := NewLayerStack(64, 64)
	assert.Equal(t, stack.CreateLayer(0x0101, 0, 0, 0, 0, "a"), nil)
	border := uint32(0xff000000)
	_, err := stack.FillRect(0x0101, protocol.BlendNormal, 10, 10, 11, 1, border)
	assert.Equal(t, err, nil)
	_, err = stack.FillRect(0x0101, protocol.BlendNormal, 10, 20, 11, 1, border)
	assert.Equal(t, err, nil)
	_, err = stack.FillRect(0x0101, protocol.BlendNormal, 10, 10, 1, 11, border)
	assert.Equal(t, err, nil)
	_, err = stack.FillRect(0x0101, protocol.BlendNormal, 20, 10, 1, 11, border)
	assert.Equal(t, err, nil)
	return &CanvasSnapshot{Stack: stack, Acl: NewAclState(1)}
}

func TestFloodFillBoundedRegion(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	settings.Color = 0xffff0000

	fill, err := FloodFill(context.Background(), snapshot, 15, 15, settings)
	assert.Equal(t, err, nil)

	// the interior of the box, not the border and not the outside
	assert.Equal(t, fill.X, 11)
	assert.Equal(t, fill.Y, 11)
	assert.Equal(t, fill.W, 9)
	assert.Equal(t, fill.H, 9)
	for _, p := range fill.Pixels {
		assert.Equal(t, p, uint32(0xffff0000))
	}
}

func TestFloodFillOutsideRegion(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	settings.Color = 0xff00ff00

	fill, err := FloodFill(context.Background(), snapshot, 0, 0, settings)
	assert.Equal(t, err, nil)

	// the fill floods the whole canvas except the box interior and border
	assert.Equal(t, fill.X, 0)
	assert.Equal(t, fill.Y, 0)
	assert.Equal(t, fill.W, 64)
	assert.Equal(t, fill.H, 64)
	assert.Equal(t, fill.Pixels[15*64+15], uint32(0))
	assert.Equal(t, fill.Pixels[0], uint32(0xff00ff00))
}

func TestFloodFillTolerance(t *testing.T) {
	stack := NewLayerStack(64, 64)
	assert.Equal(t, stack.CreateLayer(0x0101, 0, 0, 0, 0, "a"), nil)
	_, err := stack.FillRect(0x0101, protocol.BlendNormal, 0, 0, 8, 1, 0xff101010)
	assert.Equal(t, err, nil)
	_, err = stack.FillRect(0x0101, protocol.BlendNormal, 8, 0, 8, 1, 0xff181818)
	assert.Equal(t, err, nil)
	snapshot := &CanvasSnapshot{Stack: stack, Acl: NewAclState(1)}

	exact := DefaultFloodFillSettings()
	exact.Layer = 0x0101
	exact.Color = 0xffffffff
	fill, err := FloodFill(context.Background(), snapshot, 0, 0, exact)
	assert.Equal(t, err, nil)
	assert.Equal(t, fill.W, 8)

	loose := DefaultFloodFillSettings()
	loose.Layer = 0x0101
	loose.Color = 0xffffffff
	loose.Tolerance = 8
	fill, err = FloodFill(context.Background(), snapshot, 0, 0, loose)
	assert.Equal(t, err, nil)
	assert.Equal(t, fill.W, 16)
}

func TestFloodFillExpand(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	settings.Color = 0xffff0000
	settings.Expand = 1

	fill, err := FloodFill(context.Background(), snapshot, 15, 15, settings)
	assert.Equal(t, err, nil)

	// one pixel of growth covers the border on every side
	assert.Equal(t, fill.X, 10)
	assert.Equal(t, fill.Y, 10)
	assert.Equal(t, fill.W, 11)
	assert.Equal(t, fill.H, 11)
}

func TestFloodFillSizeLimit(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	settings.SizeLimit = 10

	_, err := FloodFill(context.Background(), snapshot, 0, 0, settings)
	assert.Equal(t, err, ErrFillSizeLimit)
}

func TestFloodFillBadArguments(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101

	_, err := FloodFill(context.Background(), snapshot, -1, 0, settings)
	assert.Equal(t, err, ErrFillOutsideCanvas)

	missing := DefaultFloodFillSettings()
	missing.Layer = 0x0999
	_, err = FloodFill(context.Background(), snapshot, 0, 0, missing)
	assert.Equal(t, err, ErrNotFound)
}

func TestFloodFillCanceled(t *testing.T) {
	snapshot := outlineSnapshot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	_, err := FloodFill(ctx, snapshot, 0, 0, settings)
	assert.Equal(t, err, context.Canceled)
}

func TestFloodFillMessageRoundTrip(t *testing.T) {
	snapshot := outlineSnapshot(t)
	settings := DefaultFloodFillSettings()
	settings.Layer = 0x0101
	settings.Color = 0xffff0000

	fill, err := FloodFill(context.Background(), snapshot, 15, 15, settings)
	assert.Equal(t, err, nil)

	message, err := fill.Message(1, 0x0101, protocol.BlendNormal)
	assert.Equal(t, err, nil)
	body := message.Body.(*protocol.PutImage)
	assert.Equal(t, body.X, uint32(11))
	assert.Equal(t, body.W, uint32(9))

	raw, err := inflate(body.Image, int(body.W)*int(body.H)*4)
	assert.Equal(t, err, nil)
	assert.Equal(t, raw[0], byte(0xff))
	assert.Equal(t, raw[1], byte(0xff))
	assert.Equal(t, raw[2], byte(0x00))
	assert.Equal(t, raw[3], byte(0x00))
}
