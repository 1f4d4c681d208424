package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Text form of the message stream, for diagnostic dumps and recording
// archives. One line per message:
//
//	<contextId> <messageName> key=value key=value
//
// Values that cannot sit inline (strings containing whitespace, base64 over
// the wrap width) go into a multiline block appended to the line:
//
//	<contextId> <messageName> key=value {
//		longkey=first line
//		longkey=second line
//	}
//
// An undopoint message is followed by a blank line so finished undo frames
// read as visual blocks.

const base64LineWidth = 70

type flagName struct {
	name string
	mask uint16
}

var joinFlagNames = []flagName{
	{"auth", uint16(JoinFlagAuth)},
	{"mod", uint16(JoinFlagMod)},
	{"bot", uint16(JoinFlagBot)},
}

var sessionAclFlagNames = []flagName{
	{"lockall", SessionAclFlagLockAll},
}

var layerCreateFlagNames = []flagName{
	{"group", uint16(LayerCreateFlagGroup)},
	{"into", uint16(LayerCreateFlagInto)},
}

var layerAttrFlagNames = []flagName{
	{"censor", uint16(LayerAttrFlagCensor)},
	{"fixed", uint16(LayerAttrFlagFixed)},
	{"isolated", uint16(LayerAttrFlagIsolated)},
}

type TextWriter struct {
	out io.Writer
	// lazily populated per message, flushed by finishMessage
	multiline bytes.Buffer
	err       error
}

func NewTextWriter(out io.Writer) *TextWriter {
	return &TextWriter{out: out}
}

func (self *TextWriter) printf(format string, a ...any) {
	if self.err == nil {
		_, self.err = fmt.Fprintf(self.out, format, a...)
	}
}

// WriteHeader writes a `!key=value` header block terminated by a blank line.
// Keys are written in sorted order so dumps are reproducible.
func (self *TextWriter) WriteHeader(header map[string]string) error {
	keys := maps.Keys(header)
	slices.Sort(keys)
	for _, key := range keys {
		self.printf("!%s=%s\n", key, header[key])
	}
	self.printf("\n")
	return self.err
}

func (self *TextWriter) WriteMessage(message Message) error {
	self.printf("%d %s", message.ContextId, message.Type())
	self.writeFields(message.Body)
	self.finishMessage(message.Type() == TypeUndoPoint)
	return self.err
}

func (self *TextWriter) Err() error {
	return self.err
}

// WriteTextString renders a single message in text form.
func WriteTextString(message Message) (string, error) {
	buf := &bytes.Buffer{}
	w := NewTextWriter(buf)
	if err := w.WriteMessage(message); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (self *TextWriter) finishMessage(blockSeparator bool) {
	if 0 < self.multiline.Len() {
		self.printf(" {")
		if self.err == nil {
			_, self.err = self.out.Write(self.multiline.Bytes())
		}
		self.printf("\n}\n")
		self.multiline.Reset()
	} else {
		self.printf("\n")
	}
	if blockSeparator {
		self.printf("\n")
	}
}

func (self *TextWriter) writeBool(key string, value bool) {
	self.printf(" %s=%t", key, value)
}

func (self *TextWriter) writeInt(key string, value int64) {
	self.printf(" %s=%d", key, value)
}

func (self *TextWriter) writeUint(key string, value uint64) {
	self.printf(" %s=%d", key, value)
}

// decimal fields hold an 8 bit value rendered as a percentage
func (self *TextWriter) writeDecimal(key string, value uint8) {
	self.printf(" %s=%.2f", key, float64(value)/255.0*100.0)
}

func (self *TextWriter) writeId(key string, value uint16) {
	self.printf(" %s=0x%04x", key, value)
}

func (self *TextWriter) writeColor(key string, argb uint32) {
	if argb&0xff000000 == 0xff000000 {
		self.printf(" %s=#%06x", key, argb&0x00ffffff)
	} else {
		self.printf(" %s=#%08x", key, argb)
	}
}

func (self *TextWriter) writeBlend(key string, blend Blend) {
	self.writeString(key, blend.String())
}

// flag fields render as comma joined names and are omitted entirely when no
// flag is set; the reader treats a missing field as zero
func (self *TextWriter) writeFlags(key string, value uint16, names []flagName) {
	first := true
	for _, fn := range names {
		if value&fn.mask != 0 {
			if first {
				self.printf(" %s=%s", key, fn.name)
				first = false
			} else {
				self.printf(",%s", fn.name)
			}
		}
	}
}

func (self *TextWriter) bufferLine(key string, line string) {
	fmt.Fprintf(&self.multiline, "\n\t%s=%s", key, line)
}

// strings containing whitespace are forced into the multiline block so the
// inline form never needs quoting; a value with a trailing brace would read
// back as a block opener, so it takes the multiline form too
func (self *TextWriter) writeString(key string, value string) {
	if strings.IndexFunc(value, isSpace) < 0 && !strings.HasSuffix(value, "{") {
		self.printf(" %s=%s", key, value)
	} else {
		for _, line := range strings.Split(value, "\n") {
			self.bufferLine(key, line)
		}
	}
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func (self *TextWriter) writeBase64(key string, value []byte) {
	if len(value) == 0 {
		self.printf(" %s=", key)
		return
	}
	encoded := base64.StdEncoding.EncodeToString(value)
	if len(encoded) <= base64LineWidth {
		self.printf(" %s=%s", key, encoded)
	} else {
		for start := 0; start < len(encoded); start += base64LineWidth {
			end := min(start+base64LineWidth, len(encoded))
			self.bufferLine(key, encoded[start:end])
		}
	}
}

func (self *TextWriter) writeIdList(key string, values []uint16) {
	if len(values) == 0 {
		self.printf(" %s=", key)
		return
	}
	self.printf(" %s=0x%04x", key, values[0])
	for _, v := range values[1:] {
		self.printf(",0x%04x", v)
	}
}

func (self *TextWriter) writeU8List(key string, values []uint8) {
	if len(values) == 0 {
		self.printf(" %s=", key)
		return
	}
	self.printf(" %s=%d", key, values[0])
	for _, v := range values[1:] {
		self.printf(",%d", v)
	}
}

func (self *TextWriter) writeFields(body Body) {
	switch v := body.(type) {
	case *Join:
		self.writeFlags("flags", uint16(v.Flags), joinFlagNames)
		self.writeString("name", v.Name)
		self.writeBase64("avatar", v.Avatar)
	case *Leave:
	case *SessionOwner:
		self.writeU8List("users", v.Users)
	case *TrustedUsers:
		self.writeU8List("users", v.Users)
	case *SessionAcl:
		self.writeFlags("flags", v.Flags, sessionAclFlagNames)
	case *FeatureAccess:
		self.writeU8List("feature_tiers", v.FeatureTiers)
	case *LayerAcl:
		self.writeId("id", v.Id)
		self.writeBool("locked", v.Locked())
		self.writeUint("tier", uint64(v.Tier()))
		self.writeU8List("exclusive", v.Exclusive)
	case *MetadataInt:
		self.writeUint("field", uint64(v.Field))
		self.writeInt("value", int64(v.Value))
	case *CanvasResize:
		self.writeInt("top", int64(v.Top))
		self.writeInt("right", int64(v.Right))
		self.writeInt("bottom", int64(v.Bottom))
		self.writeInt("left", int64(v.Left))
	case *CanvasBackground:
		if len(v.Image) == 0 {
			self.writeColor("color", v.Color)
		} else {
			self.writeBase64("image", v.Image)
		}
	case *LayerCreate:
		self.writeId("id", v.Id)
		self.writeId("source", v.Source)
		self.writeId("target", v.Target)
		self.writeColor("fill", v.Fill)
		self.writeFlags("flags", uint16(v.Flags), layerCreateFlagNames)
		self.writeString("title", v.Title)
	case *LayerAttributes:
		self.writeId("id", v.Id)
		self.writeUint("sublayer", uint64(v.Sublayer))
		self.writeFlags("flags", uint16(v.Flags), layerAttrFlagNames)
		self.writeDecimal("opacity", v.Opacity)
		self.writeBlend("blend", v.Blend)
	case *LayerRetitle:
		self.writeId("id", v.Id)
		self.writeString("title", v.Title)
	case *LayerOrder:
		self.writeIdList("layers", v.Ids)
	case *LayerDelete:
		self.writeId("id", v.Id)
		self.writeId("merge", v.Merge)
	case *PutImage:
		self.writeId("layer", v.Layer)
		self.writeBlend("mode", v.Mode)
		self.writeUint("x", uint64(v.X))
		self.writeUint("y", uint64(v.Y))
		self.writeUint("w", uint64(v.W))
		self.writeUint("h", uint64(v.H))
		self.writeBase64("image", v.Image)
	case *FillRect:
		self.writeId("layer", v.Layer)
		self.writeBlend("mode", v.Mode)
		self.writeUint("x", uint64(v.X))
		self.writeUint("y", uint64(v.Y))
		self.writeUint("w", uint64(v.W))
		self.writeUint("h", uint64(v.H))
		self.writeColor("color", v.Color)
	case *PutTile:
		self.writeId("layer", v.Layer)
		self.writeUint("sublayer", uint64(v.Sublayer))
		self.writeUint("col", uint64(v.Col))
		self.writeUint("row", uint64(v.Row))
		self.writeUint("repeat", uint64(v.Repeat))
		self.writeBase64("image", v.Image)
	case *UndoPoint:
	case *Undo:
		self.writeUint("override", uint64(v.OverrideUser))
		self.writeBool("redo", v.Redo)
	}
}
