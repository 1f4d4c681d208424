package protocol

import (
	"bufio"
	"encoding/base64"
	"io"
	"math"
	"strconv"
	"strings"
)

// TextReader parses the text form back into messages. It accepts an optional
// `!key=value` header block at the start of the stream, then one message per
// line with optional `{ ... }` multiline continuations.
type TextReader struct {
	scanner  *bufio.Scanner
	pushback []string
	lineNum  int
}

func NewTextReader(in io.Reader) *TextReader {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &TextReader{scanner: scanner}
}

// ReadTextString parses a single message in text form.
func ReadTextString(text string) (Message, error) {
	return NewTextReader(strings.NewReader(text)).ReadMessage()
}

func (self *TextReader) nextLine() (string, bool) {
	if 0 < len(self.pushback) {
		line := self.pushback[len(self.pushback)-1]
		self.pushback = self.pushback[:len(self.pushback)-1]
		self.lineNum += 1
		return line, true
	}
	if self.scanner.Scan() {
		self.lineNum += 1
		return self.scanner.Text(), true
	}
	return "", false
}

func (self *TextReader) unreadLine(line string) {
	self.pushback = append(self.pushback, line)
	self.lineNum -= 1
}

// ReadHeader consumes a leading `!key=value` block. Valid only before the
// first message. Returns an empty map when the stream has no header.
func (self *TextReader) ReadHeader() (map[string]string, error) {
	header := map[string]string{}
	for {
		line, ok := self.nextLine()
		if !ok {
			return header, self.scanner.Err()
		}
		if strings.TrimSpace(line) == "" {
			if 0 < len(header) {
				return header, nil
			}
			continue
		}
		if !strings.HasPrefix(line, "!") {
			self.unreadLine(line)
			return header, nil
		}
		key, value, found := strings.Cut(line[1:], "=")
		if !found {
			return nil, decodeErrorf("line %d: malformed header line", self.lineNum)
		}
		header[key] = value
	}
}

// ReadMessage returns the next message, or io.EOF at end of stream.
func (self *TextReader) ReadMessage() (Message, error) {
	var line string
	for {
		var ok bool
		line, ok = self.nextLine()
		if !ok {
			if err := self.scanner.Err(); err != nil {
				return Message{}, err
			}
			return Message{}, io.EOF
		}
		if strings.TrimSpace(line) != "" {
			break
		}
	}

	multiline := false
	if strings.HasSuffix(line, "{") {
		multiline = true
		line = strings.TrimSuffix(line, "{")
	}

	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return Message{}, decodeErrorf("line %d: malformed message line", self.lineNum)
	}
	contextId, err := strconv.ParseUint(tokens[0], 10, 8)
	if err != nil {
		return Message{}, decodeErrorf("line %d: bad context id %q", self.lineNum, tokens[0])
	}
	messageType, ok := MessageTypeByName(tokens[1])
	if !ok {
		return Message{}, decodeErrorf("line %d: unknown message name %q", self.lineNum, tokens[1])
	}

	fields := newTextFields(tokens[1], self.lineNum)
	for _, token := range tokens[2:] {
		key, value, found := strings.Cut(token, "=")
		if !found {
			return Message{}, decodeErrorf("line %d: malformed field %q", self.lineNum, token)
		}
		fields.add(key, value)
	}

	if multiline {
		for {
			contLine, ok := self.nextLine()
			if !ok {
				return Message{}, decodeErrorf("line %d: unterminated multiline block", self.lineNum)
			}
			if strings.TrimSpace(contLine) == "}" {
				break
			}
			trimmed := strings.TrimPrefix(contLine, "\t")
			key, value, found := strings.Cut(trimmed, "=")
			if !found {
				return Message{}, decodeErrorf("line %d: malformed continuation line", self.lineNum)
			}
			fields.add(key, value)
		}
	}

	body := buildTextBody(messageType, fields)
	if err := fields.finish(); err != nil {
		return Message{}, err
	}
	return Message{ContextId: uint8(contextId), Body: body}, nil
}

type textFields struct {
	messageName string
	lineNum     int
	values      map[string][]string
	used        map[string]bool
	err         error
}

func newTextFields(messageName string, lineNum int) *textFields {
	return &textFields{
		messageName: messageName,
		lineNum:     lineNum,
		values:      map[string][]string{},
		used:        map[string]bool{},
	}
}

func (self *textFields) add(key string, value string) {
	self.values[key] = append(self.values[key], value)
}

func (self *textFields) fail(format string, a ...any) {
	if self.err == nil {
		self.err = decodeErrorf(
			"line %d: %s: %s",
			self.lineNum,
			self.messageName,
			// keep the line context out of the inner format args
			decodeErrorf(format, a...).Reason,
		)
	}
}

// finish reports the first parse error, or an unknown field key error when a
// recognized message carried a key its variant does not declare.
func (self *textFields) finish() error {
	if self.err != nil {
		return self.err
	}
	for key := range self.values {
		if !self.used[key] {
			return decodeErrorf(
				"line %d: %s: unknown field %q",
				self.lineNum,
				self.messageName,
				key,
			)
		}
	}
	return nil
}

// single inline value; missing fields default to the zero value
func (self *textFields) raw(key string) (string, bool) {
	self.used[key] = true
	lines, ok := self.values[key]
	if !ok {
		return "", false
	}
	if len(lines) != 1 {
		self.fail("field %q: unexpected multiline value", key)
		return "", false
	}
	return lines[0], true
}

func (self *textFields) lines(key string) []string {
	self.used[key] = true
	return self.values[key]
}

func (self *textFields) bool(key string) bool {
	value, ok := self.raw(key)
	if !ok {
		return false
	}
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	self.fail("field %q: bad bool %q", key, value)
	return false
}

func (self *textFields) uint(key string, bits int) uint64 {
	value, ok := self.raw(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(value, 10, bits)
	if err != nil {
		self.fail("field %q: bad uint %q", key, value)
		return 0
	}
	return v
}

func (self *textFields) int32(key string) int32 {
	value, ok := self.raw(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		self.fail("field %q: bad int %q", key, value)
		return 0
	}
	return int32(v)
}

// inverse of the percentage rendering: value*255/100 rounded
func (self *textFields) decimal(key string) uint8 {
	value, ok := self.raw(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil || v < 0 || 100 < v {
		self.fail("field %q: bad decimal %q", key, value)
		return 0
	}
	return uint8(math.Round(v * 255.0 / 100.0))
}

func (self *textFields) id(key string) uint16 {
	value, ok := self.raw(key)
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		self.fail("field %q: bad id %q", key, value)
		return 0
	}
	return uint16(v)
}

func (self *textFields) color(key string) uint32 {
	value, ok := self.raw(key)
	if !ok {
		return 0
	}
	hex, found := strings.CutPrefix(value, "#")
	if found {
		switch len(hex) {
		case 6:
			if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
				return 0xff000000 | uint32(v)
			}
		case 8:
			if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
				return uint32(v)
			}
		}
	}
	self.fail("field %q: bad color %q", key, value)
	return 0
}

func (self *textFields) blend(key string) Blend {
	value, ok := self.raw(key)
	if !ok {
		return BlendNormal
	}
	blend, found := BlendByName(value)
	if !found {
		self.fail("field %q: unknown blend mode %q", key, value)
		return BlendNormal
	}
	return blend
}

func (self *textFields) flags(key string, names []flagName) uint16 {
	value, ok := self.raw(key)
	if !ok || value == "" {
		return 0
	}
	var flags uint16
next:
	for _, name := range strings.Split(value, ",") {
		for _, fn := range names {
			if fn.name == name {
				flags |= fn.mask
				continue next
			}
		}
		self.fail("field %q: unknown flag %q", key, name)
		return 0
	}
	return flags
}

func (self *textFields) idList(key string) []uint16 {
	value, ok := self.raw(key)
	if !ok || value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	ids := make([]uint16, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 0, 16)
		if err != nil {
			self.fail("field %q: bad id %q", key, part)
			return nil
		}
		ids[i] = uint16(v)
	}
	return ids
}

func (self *textFields) u8List(key string) []uint8 {
	value, ok := self.raw(key)
	if !ok || value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	values := make([]uint8, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			self.fail("field %q: bad value %q", key, part)
			return nil
		}
		values[i] = uint8(v)
	}
	return values
}

// multiline base64 concatenates its physical lines before decoding
func (self *textFields) base64(key string) []byte {
	lines := self.lines(key)
	encoded := strings.Join(lines, "")
	if encoded == "" {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		self.fail("field %q: bad base64", key)
		return nil
	}
	return decoded
}

// multiline strings rejoin their physical lines with newlines
func (self *textFields) str(key string) string {
	lines := self.lines(key)
	return strings.Join(lines, "\n")
}

func (self *textFields) has(key string) bool {
	_, ok := self.values[key]
	return ok
}

func buildTextBody(messageType MessageType, f *textFields) Body {
	switch messageType {
	case TypeJoin:
		return &Join{
			Flags:  uint8(f.flags("flags", joinFlagNames)),
			Name:   f.str("name"),
			Avatar: f.base64("avatar"),
		}
	case TypeLeave:
		return &Leave{}
	case TypeSessionOwner:
		return &SessionOwner{Users: f.u8List("users")}
	case TypeTrustedUsers:
		return &TrustedUsers{Users: f.u8List("users")}
	case TypeSessionAcl:
		return &SessionAcl{Flags: f.flags("flags", sessionAclFlagNames)}
	case TypeFeatureAccess:
		return &FeatureAccess{FeatureTiers: f.u8List("feature_tiers")}
	case TypeLayerAcl:
		flags := uint8(f.uint("tier", 8)) & LayerAclFlagTierMask
		if f.bool("locked") {
			flags |= LayerAclFlagLocked
		}
		return &LayerAcl{
			Id:        f.id("id"),
			Flags:     flags,
			Exclusive: f.u8List("exclusive"),
		}
	case TypeMetadataInt:
		return &MetadataInt{
			Field: uint8(f.uint("field", 8)),
			Value: f.int32("value"),
		}
	case TypeCanvasResize:
		return &CanvasResize{
			Top:    f.int32("top"),
			Right:  f.int32("right"),
			Bottom: f.int32("bottom"),
			Left:   f.int32("left"),
		}
	case TypeCanvasBackground:
		if f.has("image") {
			return &CanvasBackground{Image: f.base64("image")}
		}
		return &CanvasBackground{Color: f.color("color")}
	case TypeLayerCreate:
		return &LayerCreate{
			Id:     f.id("id"),
			Source: f.id("source"),
			Target: f.id("target"),
			Fill:   f.color("fill"),
			Flags:  uint8(f.flags("flags", layerCreateFlagNames)),
			Title:  f.str("title"),
		}
	case TypeLayerAttributes:
		return &LayerAttributes{
			Id:       f.id("id"),
			Sublayer: uint8(f.uint("sublayer", 8)),
			Flags:    uint8(f.flags("flags", layerAttrFlagNames)),
			Opacity:  f.decimal("opacity"),
			Blend:    f.blend("blend"),
		}
	case TypeLayerRetitle:
		return &LayerRetitle{
			Id:    f.id("id"),
			Title: f.str("title"),
		}
	case TypeLayerOrder:
		return &LayerOrder{Ids: f.idList("layers")}
	case TypeLayerDelete:
		return &LayerDelete{
			Id:    f.id("id"),
			Merge: f.id("merge"),
		}
	case TypePutImage:
		return &PutImage{
			Layer: f.id("layer"),
			Mode:  f.blend("mode"),
			X:     uint32(f.uint("x", 32)),
			Y:     uint32(f.uint("y", 32)),
			W:     uint32(f.uint("w", 32)),
			H:     uint32(f.uint("h", 32)),
			Image: f.base64("image"),
		}
	case TypeFillRect:
		return &FillRect{
			Layer: f.id("layer"),
			Mode:  f.blend("mode"),
			X:     uint32(f.uint("x", 32)),
			Y:     uint32(f.uint("y", 32)),
			W:     uint32(f.uint("w", 32)),
			H:     uint32(f.uint("h", 32)),
			Color: f.color("color"),
		}
	case TypePutTile:
		return &PutTile{
			Layer:    f.id("layer"),
			Sublayer: uint8(f.uint("sublayer", 8)),
			Col:      uint16(f.uint("col", 16)),
			Row:      uint16(f.uint("row", 16)),
			Repeat:   uint16(f.uint("repeat", 16)),
			Image:    f.base64("image"),
		}
	case TypeUndoPoint:
		return &UndoPoint{}
	case TypeUndo:
		return &Undo{
			OverrideUser: uint8(f.uint("override", 8)),
			Redo:         f.bool("redo"),
		}
	}
	// MessageTypeByName only returns declared types
	return nil
}
