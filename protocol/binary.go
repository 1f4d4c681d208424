package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Binary framing: [uint16 bodyLen][uint8 type][uint8 contextId][body],
// big-endian. The body layout is fixed per type. A frame is at most
// HeaderLen+MaxBodyLen bytes.

const (
	HeaderLen  = 4
	MaxBodyLen = 0xffff
)

// DecodeError means the wire data is malformed. On a live connection this is
// fatal to the connection: the total order is broken, so the stream cannot
// be resynchronized by skipping.
type DecodeError struct {
	Reason string
}

func (self *DecodeError) Error() string {
	return fmt.Sprintf("malformed message: %s", self.Reason)
}

func decodeErrorf(format string, a ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, a...)}
}

func EncodeBinary(message Message) ([]byte, error) {
	body, err := encodeBody(message.Body)
	if err != nil {
		return nil, err
	}
	if MaxBodyLen < len(body) {
		return nil, fmt.Errorf("message body too long: %d", len(body))
	}
	out := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(body)))
	out[2] = uint8(message.Type())
	out[3] = message.ContextId
	copy(out[HeaderLen:], body)
	return out, nil
}

// DecodeBinary decodes exactly one framed message. The frame length must
// agree exactly with len(data).
func DecodeBinary(data []byte) (Message, error) {
	if len(data) < HeaderLen {
		return Message{}, decodeErrorf("frame shorter than header: %d", len(data))
	}
	bodyLen := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data)-HeaderLen != bodyLen {
		return Message{}, decodeErrorf(
			"declared body length %d disagrees with remaining %d",
			bodyLen,
			len(data)-HeaderLen,
		)
	}
	messageType := MessageType(data[2])
	contextId := data[3]
	body, err := decodeBody(messageType, data[HeaderLen:])
	if err != nil {
		return Message{}, err
	}
	return Message{ContextId: contextId, Body: body}, nil
}

// ReadBinary reads one framed message from a stream.
func ReadBinary(r io.Reader) (Message, error) {
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	bodyLen := int(binary.BigEndian.Uint16(header[0:2]))
	frame := make([]byte, HeaderLen+bodyLen)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return DecodeBinary(frame)
}

func WriteBinary(w io.Writer, message Message) error {
	frame, err := EncodeBinary(message)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

type bodyWriter struct {
	out []byte
}

func (self *bodyWriter) u8(v uint8) {
	self.out = append(self.out, v)
}

func (self *bodyWriter) u16(v uint16) {
	self.out = binary.BigEndian.AppendUint16(self.out, v)
}

func (self *bodyWriter) u32(v uint32) {
	self.out = binary.BigEndian.AppendUint32(self.out, v)
}

func (self *bodyWriter) i32(v int32) {
	self.u32(uint32(v))
}

func (self *bodyWriter) bytes(v []byte) {
	self.out = append(self.out, v...)
}

// uint16 length prefixed utf-8
func (self *bodyWriter) str(v string) {
	self.u16(uint16(len(v)))
	self.out = append(self.out, v...)
}

type bodyReader struct {
	data []byte
	pos  int
	err  error
}

func (self *bodyReader) fail(format string, a ...any) {
	if self.err == nil {
		self.err = decodeErrorf(format, a...)
	}
}

func (self *bodyReader) remaining() int {
	return len(self.data) - self.pos
}

func (self *bodyReader) take(n int) []byte {
	if self.remaining() < n {
		self.fail("body truncated: need %d bytes, have %d", n, self.remaining())
		return make([]byte, n)
	}
	b := self.data[self.pos : self.pos+n]
	self.pos += n
	return b
}

func (self *bodyReader) u8() uint8 {
	return self.take(1)[0]
}

func (self *bodyReader) u16() uint16 {
	return binary.BigEndian.Uint16(self.take(2))
}

func (self *bodyReader) u32() uint32 {
	return binary.BigEndian.Uint32(self.take(4))
}

func (self *bodyReader) i32() int32 {
	return int32(self.u32())
}

func (self *bodyReader) str() string {
	n := int(self.u16())
	return string(self.take(n))
}

// rest returns all remaining bytes, nil when none remain
func (self *bodyReader) rest() []byte {
	if self.remaining() == 0 {
		return nil
	}
	b := make([]byte, self.remaining())
	copy(b, self.data[self.pos:])
	self.pos = len(self.data)
	return b
}

func (self *bodyReader) restU8List() []uint8 {
	rest := self.rest()
	return rest
}

func (self *bodyReader) restU16List() []uint16 {
	if self.remaining()%2 != 0 {
		self.fail("odd id list length: %d", self.remaining())
		return nil
	}
	if self.remaining() == 0 {
		return nil
	}
	ids := make([]uint16, self.remaining()/2)
	for i := range ids {
		ids[i] = self.u16()
	}
	return ids
}

func (self *bodyReader) finish() error {
	if self.err != nil {
		return self.err
	}
	if self.remaining() != 0 {
		return decodeErrorf("%d trailing bytes in body", self.remaining())
	}
	return nil
}

func encodeBody(body Body) ([]byte, error) {
	w := &bodyWriter{}
	switch v := body.(type) {
	case *Join:
		w.u8(v.Flags)
		if 255 < len(v.Name) {
			return nil, fmt.Errorf("join name too long: %d", len(v.Name))
		}
		w.u8(uint8(len(v.Name)))
		w.bytes([]byte(v.Name))
		w.bytes(v.Avatar)
	case *Leave:
	case *SessionOwner:
		w.bytes(v.Users)
	case *TrustedUsers:
		w.bytes(v.Users)
	case *SessionAcl:
		w.u16(v.Flags)
	case *FeatureAccess:
		w.bytes(v.FeatureTiers)
	case *LayerAcl:
		w.u16(v.Id)
		w.u8(v.Flags)
		w.bytes(v.Exclusive)
	case *MetadataInt:
		w.u8(v.Field)
		w.i32(v.Value)
	case *CanvasResize:
		w.i32(v.Top)
		w.i32(v.Right)
		w.i32(v.Bottom)
		w.i32(v.Left)
	case *CanvasBackground:
		if len(v.Image) == 0 {
			w.u32(v.Color)
		} else {
			w.bytes(v.Image)
		}
	case *LayerCreate:
		w.u16(v.Id)
		w.u16(v.Source)
		w.u16(v.Target)
		w.u32(v.Fill)
		w.u8(v.Flags)
		w.bytes([]byte(v.Title))
	case *LayerAttributes:
		w.u16(v.Id)
		w.u8(v.Sublayer)
		w.u8(v.Flags)
		w.u8(v.Opacity)
		w.u8(uint8(v.Blend))
	case *LayerRetitle:
		w.u16(v.Id)
		w.bytes([]byte(v.Title))
	case *LayerOrder:
		for _, id := range v.Ids {
			w.u16(id)
		}
	case *LayerDelete:
		w.u16(v.Id)
		w.u16(v.Merge)
	case *PutImage:
		w.u16(v.Layer)
		w.u8(uint8(v.Mode))
		w.u32(v.X)
		w.u32(v.Y)
		w.u32(v.W)
		w.u32(v.H)
		w.bytes(v.Image)
	case *FillRect:
		w.u16(v.Layer)
		w.u8(uint8(v.Mode))
		w.u32(v.X)
		w.u32(v.Y)
		w.u32(v.W)
		w.u32(v.H)
		w.u32(v.Color)
	case *PutTile:
		w.u16(v.Layer)
		w.u8(v.Sublayer)
		w.u16(v.Col)
		w.u16(v.Row)
		w.u16(v.Repeat)
		w.bytes(v.Image)
	case *UndoPoint:
	case *Undo:
		w.u8(v.OverrideUser)
		if v.Redo {
			w.u8(1)
		} else {
			w.u8(0)
		}
	default:
		return nil, fmt.Errorf("unknown message body type: %T", v)
	}
	return w.out, nil
}

func decodeBody(messageType MessageType, data []byte) (Body, error) {
	r := &bodyReader{data: data}
	var body Body
	switch messageType {
	case TypeJoin:
		v := &Join{}
		v.Flags = r.u8()
		nameLen := int(r.u8())
		v.Name = string(r.take(nameLen))
		v.Avatar = r.rest()
		body = v
	case TypeLeave:
		body = &Leave{}
	case TypeSessionOwner:
		body = &SessionOwner{Users: r.restU8List()}
	case TypeTrustedUsers:
		body = &TrustedUsers{Users: r.restU8List()}
	case TypeSessionAcl:
		body = &SessionAcl{Flags: r.u16()}
	case TypeFeatureAccess:
		body = &FeatureAccess{FeatureTiers: r.restU8List()}
	case TypeLayerAcl:
		v := &LayerAcl{}
		v.Id = r.u16()
		v.Flags = r.u8()
		v.Exclusive = r.restU8List()
		body = v
	case TypeMetadataInt:
		v := &MetadataInt{}
		v.Field = r.u8()
		v.Value = r.i32()
		body = v
	case TypeCanvasResize:
		v := &CanvasResize{}
		v.Top = r.i32()
		v.Right = r.i32()
		v.Bottom = r.i32()
		v.Left = r.i32()
		body = v
	case TypeCanvasBackground:
		v := &CanvasBackground{}
		if len(data) == 4 {
			v.Color = r.u32()
		} else {
			v.Image = r.rest()
		}
		body = v
	case TypeLayerCreate:
		v := &LayerCreate{}
		v.Id = r.u16()
		v.Source = r.u16()
		v.Target = r.u16()
		v.Fill = r.u32()
		v.Flags = r.u8()
		v.Title = string(r.rest())
		body = v
	case TypeLayerAttributes:
		v := &LayerAttributes{}
		v.Id = r.u16()
		v.Sublayer = r.u8()
		v.Flags = r.u8()
		v.Opacity = r.u8()
		v.Blend = Blend(r.u8())
		body = v
	case TypeLayerRetitle:
		v := &LayerRetitle{}
		v.Id = r.u16()
		v.Title = string(r.rest())
		body = v
	case TypeLayerOrder:
		body = &LayerOrder{Ids: r.restU16List()}
	case TypeLayerDelete:
		v := &LayerDelete{}
		v.Id = r.u16()
		v.Merge = r.u16()
		body = v
	case TypePutImage:
		v := &PutImage{}
		v.Layer = r.u16()
		v.Mode = Blend(r.u8())
		v.X = r.u32()
		v.Y = r.u32()
		v.W = r.u32()
		v.H = r.u32()
		v.Image = r.rest()
		body = v
	case TypeFillRect:
		v := &FillRect{}
		v.Layer = r.u16()
		v.Mode = Blend(r.u8())
		v.X = r.u32()
		v.Y = r.u32()
		v.W = r.u32()
		v.H = r.u32()
		v.Color = r.u32()
		body = v
	case TypePutTile:
		v := &PutTile{}
		v.Layer = r.u16()
		v.Sublayer = r.u8()
		v.Col = r.u16()
		v.Row = r.u16()
		v.Repeat = r.u16()
		v.Image = r.rest()
		body = v
	case TypeUndoPoint:
		body = &UndoPoint{}
	case TypeUndo:
		v := &Undo{}
		v.OverrideUser = r.u8()
		v.Redo = r.u8() != 0
		body = v
	default:
		return nil, decodeErrorf("unknown message type tag: %d", uint8(messageType))
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	return body, nil
}
