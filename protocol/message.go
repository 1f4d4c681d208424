package protocol

import (
	"fmt"
)

// The canvas session protocol. Every mutation of the shared canvas is a
// message in a single server-ordered stream; replaying the same stream from
// an empty canvas must produce bit-identical state on every participant.
//
// Messages are identified by (contextId, type) where contextId is the
// originating user (0-255, 0 reserved for the server) and type selects the
// body variant below.

type MessageType uint8

const (
	TypeJoin          MessageType = 1
	TypeLeave         MessageType = 2
	TypeSessionOwner  MessageType = 3
	TypeTrustedUsers  MessageType = 4
	TypeSessionAcl    MessageType = 5
	TypeFeatureAccess MessageType = 6
	TypeLayerAcl      MessageType = 7
	TypeMetadataInt   MessageType = 8

	TypeCanvasResize     MessageType = 16
	TypeCanvasBackground MessageType = 17
	TypeLayerCreate      MessageType = 18
	TypeLayerAttributes  MessageType = 19
	TypeLayerRetitle     MessageType = 20
	TypeLayerOrder       MessageType = 21
	TypeLayerDelete      MessageType = 22

	TypePutImage MessageType = 32
	TypeFillRect MessageType = 33
	TypePutTile  MessageType = 34

	TypeUndoPoint MessageType = 64
	TypeUndo      MessageType = 65
)

var messageTypeNames = map[MessageType]string{
	TypeJoin:             "join",
	TypeLeave:            "leave",
	TypeSessionOwner:     "owner",
	TypeTrustedUsers:     "trusted",
	TypeSessionAcl:       "sessionacl",
	TypeFeatureAccess:    "featureaccess",
	TypeLayerAcl:         "layeracl",
	TypeMetadataInt:      "metadataint",
	TypeCanvasResize:     "resize",
	TypeCanvasBackground: "background",
	TypeLayerCreate:      "newlayer",
	TypeLayerAttributes:  "layerattr",
	TypeLayerRetitle:     "retitlelayer",
	TypeLayerOrder:       "layerorder",
	TypeLayerDelete:      "deletelayer",
	TypePutImage:         "putimage",
	TypeFillRect:         "fillrect",
	TypePutTile:          "puttile",
	TypeUndoPoint:        "undopoint",
	TypeUndo:             "undo",
}

var messageTypesByName = func() map[string]MessageType {
	byName := map[string]MessageType{}
	for messageType, name := range messageTypeNames {
		byName[name] = messageType
	}
	return byName
}()

func (self MessageType) String() string {
	if name, ok := messageTypeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(self))
}

func MessageTypeByName(name string) (MessageType, bool) {
	messageType, ok := messageTypesByName[name]
	return messageType, ok
}

// Body is one of the variant structs below. The set is closed; decoding an
// unknown type tag is a DecodeError, never a skip.
type Body interface {
	MessageType() MessageType
}

type Message struct {
	ContextId uint8
	Body      Body
}

func (self Message) Type() MessageType {
	return self.Body.MessageType()
}

func (self Message) String() string {
	return fmt.Sprintf("%d %s", self.ContextId, self.Type())
}

// Blend is the layer/draw blend mode, a closed enumeration shared between
// the wire format and the compositor.
type Blend uint8

const (
	BlendNormal   Blend = 0
	BlendErase    Blend = 1
	BlendMultiply Blend = 2
	BlendScreen   Blend = 3
	BlendOverlay  Blend = 4
	BlendDarken   Blend = 5
	BlendLighten  Blend = 6
	BlendAdd      Blend = 7
	BlendSubtract Blend = 8
	BlendRecolor  Blend = 9
)

var blendNames = map[Blend]string{
	BlendNormal:   "normal",
	BlendErase:    "erase",
	BlendMultiply: "multiply",
	BlendScreen:   "screen",
	BlendOverlay:  "overlay",
	BlendDarken:   "darken",
	BlendLighten:  "lighten",
	BlendAdd:      "add",
	BlendSubtract: "subtract",
	BlendRecolor:  "recolor",
}

var blendsByName = func() map[string]Blend {
	byName := map[string]Blend{}
	for blend, name := range blendNames {
		byName[name] = blend
	}
	return byName
}()

func (self Blend) String() string {
	if name, ok := blendNames[self]; ok {
		return name
	}
	return fmt.Sprintf("blend(%d)", uint8(self))
}

func BlendByName(name string) (Blend, bool) {
	blend, ok := blendsByName[name]
	return blend, ok
}

// join flags
const (
	JoinFlagAuth = uint8(1) << 0
	JoinFlagMod  = uint8(1) << 1
	JoinFlagBot  = uint8(1) << 2
)

// session acl flags
const (
	SessionAclFlagLockAll = uint16(1) << 0
)

// layer acl flags: low two bits are the access tier, high bit is the lock
const (
	LayerAclFlagTierMask = uint8(0x03)
	LayerAclFlagLocked   = uint8(1) << 7
)

// layer create flags
const (
	LayerCreateFlagGroup = uint8(1) << 0
	LayerCreateFlagInto  = uint8(1) << 1
)

// layer attribute flags
const (
	LayerAttrFlagCensor   = uint8(1) << 0
	LayerAttrFlagFixed    = uint8(1) << 1
	LayerAttrFlagIsolated = uint8(1) << 2
)

// metadata int fields
const (
	MetadataFieldDefaultLayer = uint8(0)
	MetadataFieldFramerate    = uint8(1)
	MetadataFieldUseTimeline  = uint8(2)
)

type Join struct {
	Flags  uint8
	Name   string
	Avatar []byte
}

func (self *Join) MessageType() MessageType { return TypeJoin }

type Leave struct{}

func (self *Leave) MessageType() MessageType { return TypeLeave }

type SessionOwner struct {
	Users []uint8
}

func (self *SessionOwner) MessageType() MessageType { return TypeSessionOwner }

type TrustedUsers struct {
	Users []uint8
}

func (self *TrustedUsers) MessageType() MessageType { return TypeTrustedUsers }

type SessionAcl struct {
	Flags uint16
}

func (self *SessionAcl) MessageType() MessageType { return TypeSessionAcl }

// FeatureTiers has one entry per canvas feature, in feature enum order.
// The engine rejects the message if the count disagrees with its feature set.
type FeatureAccess struct {
	FeatureTiers []uint8
}

func (self *FeatureAccess) MessageType() MessageType { return TypeFeatureAccess }

type LayerAcl struct {
	Id        uint16
	Flags     uint8
	Exclusive []uint8
}

func (self *LayerAcl) MessageType() MessageType { return TypeLayerAcl }

func (self *LayerAcl) Locked() bool {
	return self.Flags&LayerAclFlagLocked != 0
}

func (self *LayerAcl) Tier() uint8 {
	return self.Flags & LayerAclFlagTierMask
}

type MetadataInt struct {
	Field uint8
	Value int32
}

func (self *MetadataInt) MessageType() MessageType { return TypeMetadataInt }

type CanvasResize struct {
	Top    int32
	Right  int32
	Bottom int32
	Left   int32
}

func (self *CanvasResize) MessageType() MessageType { return TypeCanvasResize }

// CanvasBackground carries either a solid color or a compressed tile.
// An empty Image means Color applies.
type CanvasBackground struct {
	Color uint32
	Image []byte
}

func (self *CanvasBackground) MessageType() MessageType { return TypeCanvasBackground }

// LayerCreate inserts a new layer. Id's high byte must be the creating
// user's context id. A nonzero Source copies that layer's content
// (duplication). Target selects the insertion point; the Into flag nests the
// new layer inside Target instead of placing it as a sibling above it.
type LayerCreate struct {
	Id     uint16
	Source uint16
	Target uint16
	Fill   uint32
	Flags  uint8
	Title  string
}

func (self *LayerCreate) MessageType() MessageType { return TypeLayerCreate }

type LayerAttributes struct {
	Id       uint16
	Sublayer uint8
	Flags    uint8
	Opacity  uint8
	Blend    Blend
}

func (self *LayerAttributes) MessageType() MessageType { return TypeLayerAttributes }

type LayerRetitle struct {
	Id    uint16
	Title string
}

func (self *LayerRetitle) MessageType() MessageType { return TypeLayerRetitle }

// Ids lists every layer in the stack, bottom to top in wire order. The UI
// convention is top to bottom; callers reverse at that boundary.
type LayerOrder struct {
	Ids []uint16
}

func (self *LayerOrder) MessageType() MessageType { return TypeLayerOrder }

// LayerDelete removes a layer. A nonzero Merge composites the deleted
// content onto that layer first (merge-down).
type LayerDelete struct {
	Id    uint16
	Merge uint16
}

func (self *LayerDelete) MessageType() MessageType { return TypeLayerDelete }

// PutImage blits a deflate-compressed run of big-endian ARGB rows onto a
// layer.
// Bodies are capped by the 16 bit frame length; producers split larger
// regions into multiple messages.
type PutImage struct {
	Layer uint16
	Mode  Blend
	X     uint32
	Y     uint32
	W     uint32
	H     uint32
	Image []byte
}

func (self *PutImage) MessageType() MessageType { return TypePutImage }

type FillRect struct {
	Layer uint16
	Mode  Blend
	X     uint32
	Y     uint32
	W     uint32
	H     uint32
	Color uint32
}

func (self *FillRect) MessageType() MessageType { return TypeFillRect }

// PutTile replaces whole tiles. An empty Image clears the tile to
// transparent; Repeat stamps the same content on the following Repeat tiles
// in row-major order.
type PutTile struct {
	Layer    uint16
	Sublayer uint8
	Col      uint16
	Row      uint16
	Repeat   uint16
	Image    []byte
}

func (self *PutTile) MessageType() MessageType { return TypePutTile }

// UndoPoint closes the sender's open undo frame.
type UndoPoint struct{}

func (self *UndoPoint) MessageType() MessageType { return TypeUndoPoint }

// Undo undoes (or redoes) the most recent eligible frame. A nonzero
// OverrideUser targets another user's frame, which only operators may do.
type Undo struct {
	OverrideUser uint8
	Redo         bool
}

func (self *Undo) MessageType() MessageType { return TypeUndo }
