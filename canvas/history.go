package canvas

import (
	"github.com/inkwire/inkwire/protocol"
)

// The command log: an append-only sequence of applied messages segmented
// into undo frames. A frame is a contiguous run of one user's undoable
// messages terminated by an undo-point; undo and redo move whole frames
// only, never parts of one.
//
// Undo does not invert messages algebraically. Frames from different users
// interleave, so the engine restores a periodic snapshot and replays the log
// with undone frames excluded. Snapshots are taken on a uniform policy:
// every SnapshotInterval applied messages and immediately before every
// structural message.

type HistorySettings struct {
	// applied messages between periodic snapshots
	SnapshotInterval int
	// retained snapshots beyond the initial empty-canvas snapshot
	RetainSnapshots int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		SnapshotInterval: 32,
		RetainSnapshots:  8,
	}
}

// CanvasSnapshot is a deep, independent copy of all replicated canvas state.
type CanvasSnapshot struct {
	Stack *LayerStack
	Acl   *AclState
	Meta  Metadata
}

func (self *CanvasSnapshot) Clone() *CanvasSnapshot {
	return &CanvasSnapshot{
		Stack: self.Stack.Clone(),
		Acl:   self.Acl.Clone(),
		Meta:  self.Meta,
	}
}

type historyEntry struct {
	message protocol.Message
	// frame index, -1 for entries outside any undo frame
	frame int
}

type historyFrame struct {
	contextId uint8
	// log index of the frame's first entry
	start  int
	closed bool
	undone bool
}

type snapshotRecord struct {
	// number of log entries already applied when the snapshot was taken
	index int
	state *CanvasSnapshot
}

type History struct {
	settings *HistorySettings

	entries   []historyEntry
	frames    []historyFrame
	openFrame map[uint8]int
	snapshots []snapshotRecord
}

func NewHistory(settings *HistorySettings) *History {
	return &History{
		settings:  settings,
		openFrame: map[uint8]int{},
	}
}

func NewHistoryWithDefaults() *History {
	return NewHistory(DefaultHistorySettings())
}

func (self *History) EntryCount() int {
	return len(self.entries)
}

// undoable messages are the canvas-mutating classes; control and meta
// messages replay outside any frame
func undoable(messageType protocol.MessageType) bool {
	return protocol.TypeCanvasResize <= messageType && messageType < protocol.TypeUndoPoint
}

// structural messages change the layer tree and always snapshot first
func structural(messageType protocol.MessageType) bool {
	switch messageType {
	case protocol.TypeLayerCreate, protocol.TypeLayerDelete, protocol.TypeLayerOrder, protocol.TypeCanvasResize:
		return true
	}
	return false
}

// NeedsSnapshot reports whether the engine should snapshot before applying
// the given message.
func (self *History) NeedsSnapshot(message protocol.Message) bool {
	if structural(message.Type()) {
		return true
	}
	if self.settings.SnapshotInterval <= 0 {
		return false
	}
	return len(self.entries)%self.settings.SnapshotInterval == 0
}

// TakeSnapshot records the current state as reflecting every entry appended
// so far. The snapshot at index 0 (the empty canvas) is never evicted so a
// full replay is always possible.
func (self *History) TakeSnapshot(state *CanvasSnapshot) {
	index := len(self.entries)
	if 0 < len(self.snapshots) && self.snapshots[len(self.snapshots)-1].index == index {
		self.snapshots[len(self.snapshots)-1].state = state.Clone()
		return
	}
	self.snapshots = append(self.snapshots, snapshotRecord{
		index: index,
		state: state.Clone(),
	})
	if self.settings.RetainSnapshots+1 < len(self.snapshots) {
		// keep the initial snapshot, evict the oldest of the rest
		self.snapshots = append(self.snapshots[:1], self.snapshots[2:]...)
	}
}

// Append records an applied message and maintains frame bookkeeping. An
// undoable message opens the sender's frame if none is open (Idle ->
// Recording); an undo-point closes it (Recording -> Idle).
func (self *History) Append(message protocol.Message) {
	contextId := message.ContextId
	frame := -1

	switch {
	case message.Type() == protocol.TypeUndoPoint:
		if open, ok := self.openFrame[contextId]; ok {
			frame = open
			self.frames[open].closed = true
			delete(self.openFrame, contextId)
		}
	case undoable(message.Type()):
		open, ok := self.openFrame[contextId]
		if !ok {
			open = len(self.frames)
			self.frames = append(self.frames, historyFrame{
				contextId: contextId,
				start:     len(self.entries),
			})
			self.openFrame[contextId] = open
		}
		frame = open
	}

	self.entries = append(self.entries, historyEntry{message: message, frame: frame})
}

// DiscardOpenFrame drops the bookkeeping for a user's unterminated frame,
// as when the user disconnects mid-stroke. Already-applied entries stay in
// the log; the frame is closed and immediately undone so a replay excludes
// them.
func (self *History) DiscardOpenFrame(contextId uint8) (int, bool) {
	open, ok := self.openFrame[contextId]
	if !ok {
		return 0, false
	}
	self.frames[open].closed = true
	self.frames[open].undone = true
	delete(self.openFrame, contextId)
	return self.frames[open].start, true
}

// HasFrames reports whether the log still holds any undo frame attributed
// to the given user. While one does, a later session member under the same
// context id could undo or redo the departed user's work.
func (self *History) HasFrames(contextId uint8) bool {
	for f := range self.frames {
		if self.frames[f].contextId == contextId {
			return true
		}
	}
	return false
}

// Undo marks the most recent closed, not yet undone frame of the given user
// as undone and returns the log index of its first entry. Returns false when
// no eligible frame exists, which is a normal no-op condition.
func (self *History) Undo(contextId uint8) (int, bool) {
	for f := len(self.frames) - 1; 0 <= f; f -= 1 {
		frame := &self.frames[f]
		if frame.contextId == contextId && frame.closed && !frame.undone {
			frame.undone = true
			return frame.start, true
		}
	}
	return 0, false
}

// Redo unmarks the earliest undone frame of the given user, reversing the
// most recent undo, and returns the log index of its first entry.
func (self *History) Redo(contextId uint8) (int, bool) {
	for f := 0; f < len(self.frames); f += 1 {
		frame := &self.frames[f]
		if frame.contextId == contextId && frame.undone {
			frame.undone = false
			return frame.start, true
		}
	}
	return 0, false
}

// RestorePoint returns the newest snapshot and its log position. Replay
// proceeds from that position with undone frames excluded.
func (self *History) RestorePoint() (*CanvasSnapshot, int) {
	if len(self.snapshots) == 0 {
		return nil, 0
	}
	record := self.snapshots[len(self.snapshots)-1]
	return record.state.Clone(), record.index
}

// RestorePointBefore returns the newest snapshot at or before the given log
// position.
func (self *History) RestorePointBefore(index int) (*CanvasSnapshot, int) {
	for s := len(self.snapshots) - 1; 0 <= s; s -= 1 {
		if self.snapshots[s].index <= index {
			return self.snapshots[s].state.Clone(), self.snapshots[s].index
		}
	}
	return nil, 0
}

// ReplayFrom returns the messages to re-apply after restoring a snapshot at
// log position from, excluding entries of undone frames.
func (self *History) ReplayFrom(from int) []protocol.Message {
	messages := []protocol.Message{}
	for i := from; i < len(self.entries); i += 1 {
		entry := self.entries[i]
		if 0 <= entry.frame && self.frames[entry.frame].undone {
			continue
		}
		messages = append(messages, entry.message)
	}
	return messages
}

// ReplayPlan picks the restore snapshot covering a frame whose undone
// status just changed at the given log index, plus the messages to replay
// on top of it. Snapshots taken after that index embed the frame's old
// status and no longer match the effective log, so they are discarded.
func (self *History) ReplayPlan(changedIndex int) (*CanvasSnapshot, []protocol.Message) {
	snapshot, from := self.RestorePointBefore(changedIndex)
	for 0 < len(self.snapshots) && changedIndex < self.snapshots[len(self.snapshots)-1].index {
		self.snapshots = self.snapshots[:len(self.snapshots)-1]
	}
	return snapshot, self.ReplayFrom(from)
}

// Messages returns the full applied log in order, including entries of
// undone frames. Used by recordings and diagnostics, not by replay.
func (self *History) Messages() []protocol.Message {
	messages := make([]protocol.Message, len(self.entries))
	for i := range self.entries {
		messages[i] = self.entries[i].message
	}
	return messages
}
