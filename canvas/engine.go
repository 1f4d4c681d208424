package canvas

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/inkwire/inkwire/protocol"
)

// The paint engine is the single entry point for canvas mutation. Every
// message, local or from the wire, goes through ApplyMessage: ACL check,
// structural validation, mutation, logging, and dirty marking happen as one
// atomic unit under the engine lock. The compositor reads under the same
// lock, so it observes either pre- or post-mutation tiles, never a torn mix.

type Metadata struct {
	DefaultLayer uint16
	Framerate    int32
	UseTimeline  bool
}

type RejectReason int

const (
	RejectPermissionDenied RejectReason = iota
	RejectInvalidOperation
	RejectResourceExhausted
)

func (self RejectReason) String() string {
	switch self {
	case RejectPermissionDenied:
		return "permission denied"
	case RejectInvalidOperation:
		return "invalid operation"
	case RejectResourceExhausted:
		return "resource exhausted"
	}
	return "rejected"
}

// Rejection is the closed result surfaced to callers; raw codec or layer
// errors never leak past the engine boundary.
type Rejection struct {
	Reason RejectReason
	Detail string
}

func (self *Rejection) String() string {
	if self.Detail == "" {
		return self.Reason.String()
	}
	return fmt.Sprintf("%s: %s", self.Reason, self.Detail)
}

func rejectf(reason RejectReason, format string, a ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, a...)}
}

type PaintEngineSettings struct {
	History *HistorySettings
	// hide censored layers in composited output (a local view preference)
	Censor bool
}

func DefaultPaintEngineSettings() *PaintEngineSettings {
	return &PaintEngineSettings{
		History: DefaultHistorySettings(),
	}
}

type PaintEngine struct {
	localUser uint8

	stateLock  sync.Mutex
	stack      *LayerStack
	acl        *AclState
	meta       Metadata
	history    *History
	compositor *Compositor

	changes chan struct{}
}

func NewPaintEngine(localUser uint8, width, height int, settings *PaintEngineSettings) *PaintEngine {
	stack := NewLayerStack(width, height)
	engine := &PaintEngine{
		localUser:  localUser,
		stack:      stack,
		acl:        NewAclState(localUser),
		history:    NewHistory(settings.History),
		compositor: NewCompositor(stack),
		changes:    make(chan struct{}, 1),
	}
	engine.compositor.SetCensor(settings.Censor)
	engine.history.TakeSnapshot(engine.snapshotLocked())
	return engine
}

func NewPaintEngineWithDefaults(localUser uint8, width, height int) *PaintEngine {
	return NewPaintEngine(localUser, width, height, DefaultPaintEngineSettings())
}

func (self *PaintEngine) LocalUser() uint8 {
	return self.localUser
}

// Changes signals after every applied mutation; consumers coalesce.
func (self *PaintEngine) Changes() <-chan struct{} {
	return self.changes
}

func (self *PaintEngine) notify() {
	select {
	case self.changes <- struct{}{}:
	default:
	}
}

// ApplyMessage validates and applies one message. A nil return means the
// message was applied (an ineligible undo is a normal no-op, also nil).
func (self *PaintEngine) ApplyMessage(message protocol.Message) *Rejection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if rejection := self.permitted(message); rejection != nil {
		glog.V(1).Infof("[engine]reject %s: %s\n", message, rejection)
		return rejection
	}

	if undo, ok := message.Body.(*protocol.Undo); ok {
		self.performUndo(message.ContextId, undo)
		self.notify()
		return nil
	}

	if self.history.NeedsSnapshot(message) {
		self.history.TakeSnapshot(self.snapshotLocked())
	}

	dirty, allDirty, rejection := self.mutate(message)
	if rejection != nil {
		glog.V(1).Infof("[engine]reject %s: %s\n", message, rejection)
		return rejection
	}

	self.history.Append(message)

	// a leave closes and undoes the user's open frame, so every replica
	// rolls a mid-stroke disconnect back the same way
	if _, ok := message.Body.(*protocol.Leave); ok {
		if changedIndex, ok := self.history.DiscardOpenFrame(message.ContextId); ok {
			self.rebuildFrom(changedIndex)
			self.notify()
			return nil
		}
	}

	if allDirty {
		self.compositor.MarkAllDirty()
	} else if 0 < len(dirty) {
		self.compositor.MarkDirty(dirty...)
	}
	self.notify()
	return nil
}

// permitted is the ACL gate. The same predicate runs on the server and on
// every client; the server's run is the one that decides what enters the
// session stream.
func (self *PaintEngine) permitted(message protocol.Message) *Rejection {
	contextId := message.ContextId
	if contextId == 0 {
		// the server's own context
		return nil
	}
	acl := self.acl

	denyf := func(format string, a ...any) *Rejection {
		return rejectf(RejectPermissionDenied, format, a...)
	}

	switch v := message.Body.(type) {
	case *protocol.Join, *protocol.Leave, *protocol.UndoPoint:
		return nil
	case *protocol.SessionOwner, *protocol.TrustedUsers, *protocol.SessionAcl, *protocol.FeatureAccess, *protocol.LayerAcl:
		if !acl.IsOperator(contextId) {
			return denyf("user %d is not an operator", contextId)
		}
	case *protocol.MetadataInt:
		feature := FeatureMetadata
		if v.Field == protocol.MetadataFieldUseTimeline || v.Field == protocol.MetadataFieldFramerate {
			feature = FeatureTimeline
		}
		if !acl.FeatureAllowed(contextId, feature) {
			return denyf("feature %s not granted", feature)
		}
	case *protocol.CanvasResize:
		if !acl.FeatureAllowed(contextId, FeatureResize) {
			return denyf("feature %s not granted", FeatureResize)
		}
	case *protocol.CanvasBackground:
		if !acl.FeatureAllowed(contextId, FeatureBackground) {
			return denyf("feature %s not granted", FeatureBackground)
		}
	case *protocol.LayerCreate:
		if acl.IsLockedAll() && !acl.IsOperator(contextId) {
			return denyf("all layers are locked")
		}
		if !acl.FeatureAllowed(contextId, FeatureEditLayers) {
			if LayerCreator(v.Id) != contextId || !acl.FeatureAllowed(contextId, FeatureOwnLayers) {
				return denyf("cannot create layer 0x%04x", v.Id)
			}
		}
	case *protocol.LayerOrder:
		if !acl.FeatureAllowed(contextId, FeatureEditLayers) {
			return denyf("feature %s not granted", FeatureEditLayers)
		}
	case *protocol.LayerAttributes:
		if !acl.CanEditLayer(contextId, v.Id) {
			return denyf("layer 0x%04x not editable", v.Id)
		}
	case *protocol.LayerRetitle:
		if !acl.CanEditLayer(contextId, v.Id) {
			return denyf("layer 0x%04x not editable", v.Id)
		}
	case *protocol.LayerDelete:
		if !acl.CanEditLayer(contextId, v.Id) {
			return denyf("layer 0x%04x not editable", v.Id)
		}
	case *protocol.PutImage:
		if !acl.FeatureAllowed(contextId, FeaturePutImage) {
			return denyf("feature %s not granted", FeaturePutImage)
		}
		if !acl.CanEditLayer(contextId, v.Layer) {
			return denyf("layer 0x%04x not editable", v.Layer)
		}
	case *protocol.FillRect:
		if !acl.FeatureAllowed(contextId, FeaturePutImage) {
			return denyf("feature %s not granted", FeaturePutImage)
		}
		if !acl.CanEditLayer(contextId, v.Layer) {
			return denyf("layer 0x%04x not editable", v.Layer)
		}
	case *protocol.PutTile:
		if !acl.FeatureAllowed(contextId, FeaturePutImage) {
			return denyf("feature %s not granted", FeaturePutImage)
		}
		if !acl.CanEditLayer(contextId, v.Layer) {
			return denyf("layer 0x%04x not editable", v.Layer)
		}
	case *protocol.Undo:
		if !acl.FeatureAllowed(contextId, FeatureUndo) {
			return denyf("feature %s not granted", FeatureUndo)
		}
		if v.OverrideUser != 0 && v.OverrideUser != contextId && !acl.IsOperator(contextId) {
			return denyf("undo of another user's frame requires operator")
		}
	}
	return nil
}

// mutate applies the message body to canvas state. It returns the dirty
// tiles, or allDirty for structural changes with broad reach.
func (self *PaintEngine) mutate(message protocol.Message) ([]TileIndex, bool, *Rejection) {
	switch v := message.Body.(type) {
	case *protocol.Join, *protocol.Leave, *protocol.SessionOwner, *protocol.TrustedUsers, *protocol.SessionAcl, *protocol.FeatureAccess, *protocol.LayerAcl:
		self.acl.Apply(message)
		return nil, false, nil
	case *protocol.MetadataInt:
		switch v.Field {
		case protocol.MetadataFieldDefaultLayer:
			self.meta.DefaultLayer = uint16(v.Value)
		case protocol.MetadataFieldFramerate:
			self.meta.Framerate = v.Value
		case protocol.MetadataFieldUseTimeline:
			self.meta.UseTimeline = v.Value != 0
		default:
			return nil, false, rejectf(RejectInvalidOperation, "unknown metadata field %d", v.Field)
		}
		return nil, false, nil
	case *protocol.CanvasResize:
		if err := self.stack.Resize(int(v.Top), int(v.Right), int(v.Bottom), int(v.Left)); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, true, nil
	case *protocol.CanvasBackground:
		if len(v.Image) == 0 {
			self.stack.SetBackgroundColor(v.Color)
		} else {
			t, err := DecompressTile(v.Image)
			if err != nil {
				return nil, false, rejectf(RejectInvalidOperation, "bad background tile: %s", err)
			}
			self.stack.SetBackgroundTile(t)
		}
		return nil, true, nil
	case *protocol.LayerCreate:
		if v.Id == 0 {
			return nil, false, rejectf(RejectInvalidOperation, "layer id 0")
		}
		if err := self.stack.CreateLayer(v.Id, v.Source, v.Target, v.Fill, v.Flags, v.Title); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, true, nil
	case *protocol.LayerAttributes:
		if err := self.stack.SetLayerAttributes(v.Id, v.Flags, v.Opacity, v.Blend); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, true, nil
	case *protocol.LayerRetitle:
		if err := self.stack.SetLayerTitle(v.Id, v.Title); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, false, nil
	case *protocol.LayerOrder:
		if err := self.stack.ReorderLayers(v.Ids); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, true, nil
	case *protocol.LayerDelete:
		if err := self.stack.DeleteLayer(v.Id, v.Merge); err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return nil, true, nil
	case *protocol.PutImage:
		raw, err := inflate(v.Image, int(v.W)*int(v.H)*4)
		if err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "bad image payload: %s", err)
		}
		pixels := make([]uint32, int(v.W)*int(v.H))
		for i := range pixels {
			pixels[i] = uint32(raw[i*4])<<24 | uint32(raw[i*4+1])<<16 | uint32(raw[i*4+2])<<8 | uint32(raw[i*4+3])
		}
		dirty, err := self.stack.BlitImage(v.Layer, v.Mode, int(v.X), int(v.Y), int(v.W), int(v.H), pixels)
		if err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return dirty, false, nil
	case *protocol.FillRect:
		dirty, err := self.stack.FillRect(v.Layer, v.Mode, int(v.X), int(v.Y), int(v.W), int(v.H), v.Color)
		if err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return dirty, false, nil
	case *protocol.PutTile:
		var t *Tile
		if 0 < len(v.Image) {
			var err error
			t, err = DecompressTile(v.Image)
			if err != nil {
				return nil, false, rejectf(RejectInvalidOperation, "bad tile payload: %s", err)
			}
		}
		dirty, err := self.stack.PutTile(v.Layer, int(v.Col), int(v.Row), int(v.Repeat), t)
		if err != nil {
			return nil, false, rejectf(RejectInvalidOperation, "%s", err)
		}
		return dirty, false, nil
	case *protocol.UndoPoint:
		return nil, false, nil
	}
	return nil, false, rejectf(RejectInvalidOperation, "unhandled message type %s", message.Type())
}

// performUndo marks the eligible frame and rebuilds state by restoring the
// newest snapshot that predates it and replaying the log with undone frames
// excluded.
func (self *PaintEngine) performUndo(contextId uint8, undo *protocol.Undo) {
	target := contextId
	if undo.OverrideUser != 0 {
		target = undo.OverrideUser
	}

	var changedIndex int
	var ok bool
	if undo.Redo {
		changedIndex, ok = self.history.Redo(target)
	} else {
		changedIndex, ok = self.history.Undo(target)
	}
	if !ok {
		// nothing eligible, a normal no-op
		return
	}
	self.rebuildFrom(changedIndex)
}

func (self *PaintEngine) rebuildFrom(changedIndex int) {
	snapshot, replay := self.history.ReplayPlan(changedIndex)
	if snapshot == nil {
		glog.Warningf("[engine]no restore snapshot, keeping state\n")
		return
	}
	self.restoreSnapshot(snapshot)
	for _, message := range replay {
		if _, _, rejection := self.mutate(message); rejection != nil {
			glog.Warningf("[engine]replay rejected %s: %s\n", message, rejection)
		}
	}
	self.compositor.Rebind(self.stack)
	// replace the restore point so the next rebuild replays from here
	self.history.TakeSnapshot(self.snapshotLocked())
}

func (self *PaintEngine) restoreSnapshot(snapshot *CanvasSnapshot) {
	self.stack = snapshot.Stack
	self.acl = snapshot.Acl
	self.meta = snapshot.Meta
}

// DiscardOpenFrame drops a user's unterminated recording frame, as on
// disconnect, and rebuilds state without it.
func (self *PaintEngine) DiscardOpenFrame(contextId uint8) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if changedIndex, ok := self.history.DiscardOpenFrame(contextId); ok {
		self.rebuildFrom(changedIndex)
		self.notify()
	}
}

func (self *PaintEngine) snapshotLocked() *CanvasSnapshot {
	return &CanvasSnapshot{
		Stack: self.stack,
		Acl:   self.acl,
		Meta:  self.meta,
	}
}

// Snapshot returns a deep copy of all replicated canvas state, safe for
// derived work (flood fill, export) off the mutation path.
func (self *PaintEngine) Snapshot() *CanvasSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshotLocked().Clone()
}

func (self *PaintEngine) Metadata() Metadata {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.meta
}

func (self *PaintEngine) CanvasSize() (int, int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stack.Size()
}

func (self *PaintEngine) LayerItems() []LayerItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stack.Items()
}

func (self *PaintEngine) Layer(id uint16) (LayerItem, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stack.Layer(id)
}

func (self *PaintEngine) GetAvailableId() uint16 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stack.GetAvailableId(self.localUser)
}

func (self *PaintEngine) GetAvailableName(base string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stack.GetAvailableName(base)
}

func (self *PaintEngine) CanUseFeature(feature Feature) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.acl.CanUseFeature(feature)
}

func (self *PaintEngine) IsLayerLocked(id uint16) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.acl.IsLayerLocked(id)
}

func (self *PaintEngine) LayerAcl(id uint16) LayerAclEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.acl.LayerAcl(id)
}

// SetLayerHidden toggles the local-only hidden flag; it is never replicated.
func (self *PaintEngine) SetLayerHidden(id uint16, hidden bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if err := self.stack.SetLayerHidden(id, hidden); err != nil {
		return err
	}
	self.compositor.MarkAllDirty()
	self.notify()
	return nil
}

// SetCensorView toggles local censoring of flagged layers.
func (self *PaintEngine) SetCensorView(censor bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.compositor.SetCensor(censor)
	self.notify()
}

// Composite flattens a region of the canvas. Runs under the engine lock so
// it never observes a partially applied mutation.
func (self *PaintEngine) Composite(x, y, w, h int) []uint32 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.compositor.Composite(x, y, w, h)
}

// FlatTile returns one composited tile.
func (self *PaintEngine) FlatTile(ti TileIndex) *Tile {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.compositor.FlatTile(ti).Clone()
}

func (self *PaintEngine) CompositeGeneration() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.compositor.Generation()
}

// HistoryMessages returns the applied log, for recordings and diagnostics.
func (self *PaintEngine) HistoryMessages() []protocol.Message {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.history.Messages()
}

func (self *PaintEngine) HasHistoryFrames(contextId uint8) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.history.HasFrames(contextId)
}
