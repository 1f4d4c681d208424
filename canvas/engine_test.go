package canvas

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/inkwire/inkwire/protocol"
)

func m(contextId uint8, body protocol.Body) protocol.Message {
	return protocol.Message{ContextId: contextId, Body: body}
}

func newTestEngine(t *testing.T) *PaintEngine {
	engine := NewPaintEngineWithDefaults(1, 64, 64)
	assert.Equal(t, engine.ApplyMessage(m(0, &protocol.SessionOwner{Users: []uint8{1}})), (*Rejection)(nil))
	return engine
}

func pixel(engine *PaintEngine) uint32 {
	return engine.Composite(0, 0, 1, 1)[0]
}

func TestEngineApplyAndComposite(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.FillRect{
		Layer: 0x0101, Mode: protocol.BlendNormal, W: 4, H: 4, Color: 0xffff0000,
	})), (*Rejection)(nil))

	assert.Equal(t, pixel(engine), uint32(0xffff0000))

	select {
	case <-engine.Changes():
	default:
		t.Fatal("expected a change signal")
	}
}

func TestEngineUndoRedo(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.FillRect{
		Layer: 0x0101, Mode: protocol.BlendNormal, W: 4, H: 4, Color: 0xffff0000,
	})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0xffff0000))

	// newest frame first: the fill, then the layer create
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0))
	_, ok := engine.Layer(0x0101)
	assert.Equal(t, ok, true)

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{})), (*Rejection)(nil))
	_, ok = engine.Layer(0x0101)
	assert.Equal(t, ok, false)

	// redo reverses in the opposite order
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{Redo: true})), (*Rejection)(nil))
	_, ok = engine.Layer(0x0101)
	assert.Equal(t, ok, true)
	assert.Equal(t, pixel(engine), uint32(0))

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{Redo: true})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0xffff0000))
}

func TestEngineUndoWithoutFramesIsNoop(t *testing.T) {
	engine := newTestEngine(t)
	before := engine.HistoryMessages()

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{})), (*Rejection)(nil))
	assert.Equal(t, len(engine.HistoryMessages()), len(before))
}

func TestEnginePermissionDenied(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.Join{Name: "guest"})), (*Rejection)(nil))

	// user 2 may create in its own id range but not elsewhere
	rejection := engine.ApplyMessage(m(2, &protocol.LayerCreate{Id: 0x0301, Title: "x"}))
	assert.NotEqual(t, rejection, (*Rejection)(nil))
	assert.Equal(t, rejection.Reason, RejectPermissionDenied)

	rejection = engine.ApplyMessage(m(2, &protocol.CanvasResize{Right: 10}))
	assert.NotEqual(t, rejection, (*Rejection)(nil))
	assert.Equal(t, rejection.Reason, RejectPermissionDenied)

	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.LayerCreate{Id: 0x0201, Title: "mine"})), (*Rejection)(nil))
}

func TestEngineInvalidOperation(t *testing.T) {
	engine := newTestEngine(t)

	rejection := engine.ApplyMessage(m(1, &protocol.LayerDelete{Id: 0x0999}))
	assert.NotEqual(t, rejection, (*Rejection)(nil))
	assert.Equal(t, rejection.Reason, RejectInvalidOperation)

	// a rejected message is not logged
	assert.Equal(t, len(engine.HistoryMessages()), 1)
}

func TestEngineOverrideUndoRequiresOperator(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.Join{Name: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(3, &protocol.Join{Name: "b"})), (*Rejection)(nil))

	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.LayerCreate{Id: 0x0201, Title: "x"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.UndoPoint{})), (*Rejection)(nil))

	rejection := engine.ApplyMessage(m(3, &protocol.Undo{OverrideUser: 2}))
	assert.NotEqual(t, rejection, (*Rejection)(nil))
	assert.Equal(t, rejection.Reason, RejectPermissionDenied)

	// the session operator may undo on another user's behalf
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{OverrideUser: 2})), (*Rejection)(nil))
	_, ok := engine.Layer(0x0201)
	assert.Equal(t, ok, false)
}

func TestEngineDiscardOpenFrame(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.FillRect{
		Layer: 0x0101, Mode: protocol.BlendNormal, W: 4, H: 4, Color: 0xff00ff00,
	})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0xff00ff00))

	// the stroke was never terminated; dropping the user reverts it
	engine.DiscardOpenFrame(1)
	assert.Equal(t, pixel(engine), uint32(0))
	_, ok := engine.Layer(0x0101)
	assert.Equal(t, ok, true)
}

// An undone frame must stay undone when a later rebuild restores from a
// snapshot taken after that frame was applied.
func TestUndoSurvivesLaterRebuild(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.FillRect{
		Layer: 0x0101, Mode: protocol.BlendNormal, W: 4, H: 4, Color: 0xffff0000,
	})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))

	// user 2's structural message snapshots with the red fill applied
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.LayerCreate{Id: 0x0201, Title: "b"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.UndoPoint{})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.FillRect{
		Layer: 0x0201, Mode: protocol.BlendNormal, X: 8, Y: 8, W: 4, H: 4, Color: 0xff0000ff,
	})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.UndoPoint{})), (*Rejection)(nil))

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0))

	// user 2's undo rebuilds from a snapshot boundary; user 1's undone
	// fill must not come back
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.Undo{})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0))
	assert.Equal(t, engine.Composite(8, 8, 1, 1)[0], uint32(0))

	// and redo still works on both sides
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Undo{Redo: true})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0xffff0000))
	assert.Equal(t, engine.ApplyMessage(m(2, &protocol.Undo{Redo: true})), (*Rejection)(nil))
	assert.Equal(t, engine.Composite(8, 8, 1, 1)[0], uint32(0xff0000ff))
}

// A leave message carries the same rollback, so replicas that only see the
// message stream converge with the sequencer.
func TestEngineLeaveDiscardsOpenFrame(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"})), (*Rejection)(nil))
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.UndoPoint{})), (*Rejection)(nil))

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.FillRect{
		Layer: 0x0101, Mode: protocol.BlendNormal, W: 4, H: 4, Color: 0xff00ff00,
	})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0xff00ff00))

	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.Leave{})), (*Rejection)(nil))
	assert.Equal(t, pixel(engine), uint32(0))
	_, ok := engine.Layer(0x0101)
	assert.Equal(t, ok, true)
}

// Two engines applying the same message stream must converge regardless of
// their snapshot cadence.
func TestEngineDeterministicReplay(t *testing.T) {
	run := func(settings *PaintEngineSettings) *PaintEngine {
		engine := NewPaintEngine(1, 128, 128, settings)
		messages := []protocol.Message{
			m(0, &protocol.SessionOwner{Users: []uint8{1}}),
			m(1, &protocol.CanvasBackground{Color: 0xffffffff}),
			m(1, &protocol.LayerCreate{Id: 0x0101, Title: "a"}),
			m(1, &protocol.UndoPoint{}),
			m(1, &protocol.LayerCreate{Id: 0x0102, Title: "b"}),
			m(1, &protocol.UndoPoint{}),
			m(1, &protocol.FillRect{Layer: 0x0101, Mode: protocol.BlendNormal, W: 64, H: 64, Color: 0xff336699}),
			m(1, &protocol.UndoPoint{}),
			m(1, &protocol.FillRect{Layer: 0x0102, Mode: protocol.BlendMultiply, X: 32, Y: 32, W: 64, H: 64, Color: 0xffcc9933}),
			m(1, &protocol.UndoPoint{}),
			m(1, &protocol.Undo{}),
			m(1, &protocol.LayerAttributes{Id: 0x0102, Opacity: 128, Blend: protocol.BlendNormal}),
			m(1, &protocol.UndoPoint{}),
			m(1, &protocol.Undo{Redo: true}),
		}
		for _, message := range messages {
			assert.Equal(t, engine.ApplyMessage(message), (*Rejection)(nil))
		}
		return engine
	}

	coarse := run(DefaultPaintEngineSettings())
	fine := run(&PaintEngineSettings{
		History: &HistorySettings{SnapshotInterval: 1, RetainSnapshots: 64},
	})

	assert.Equal(t, coarse.LayerItems(), fine.LayerItems())
	assert.Equal(t, coarse.Composite(0, 0, 128, 128), fine.Composite(0, 0, 128, 128))
}

func TestEngineMetadata(t *testing.T) {
	engine := newTestEngine(t)
	assert.Equal(t, engine.ApplyMessage(m(1, &protocol.MetadataInt{
		Field: protocol.MetadataFieldFramerate, Value: 24,
	})), (*Rejection)(nil))
	assert.Equal(t, engine.Metadata().Framerate, int32(24))

	rejection := engine.ApplyMessage(m(1, &protocol.MetadataInt{Field: 99, Value: 1}))
	assert.NotEqual(t, rejection, (*Rejection)(nil))
	assert.Equal(t, rejection.Reason, RejectInvalidOperation)
}
