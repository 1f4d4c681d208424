package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestTextRoundTrip(t *testing.T) {
	for _, message := range representativeMessages() {
		text, err := WriteTextString(message)
		assert.Equal(t, err, nil)

		decoded, err := ReadTextString(text)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestTextRoundTripBoundaryValues(t *testing.T) {
	messages := []Message{
		// multi-line string with embedded newline
		{ContextId: 1, Body: &LayerRetitle{Id: 0x0101, Title: "first line\nsecond line"}},
		// base64 spanning more than one wrapped line
		{ContextId: 1, Body: &PutTile{Layer: 0x0101, Image: bytes.Repeat([]byte{0x5a}, 200)}},
		// 6 digit vs 8 digit colors
		{ContextId: 1, Body: &FillRect{Layer: 0x0101, W: 1, H: 1, Color: 0xff123456}},
		{ContextId: 1, Body: &FillRect{Layer: 0x0101, W: 1, H: 1, Color: 0x80123456}},
		// zero length list and empty string
		{ContextId: 1, Body: &LayerOrder{}},
		{ContextId: 1, Body: &LayerCreate{Id: 0x0101, Title: ""}},
	}
	for _, message := range messages {
		text, err := WriteTextString(message)
		assert.Equal(t, err, nil)

		decoded, err := ReadTextString(text)
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
}

func TestTextFormatShape(t *testing.T) {
	text, err := WriteTextString(Message{
		ContextId: 5,
		Body:      &LayerDelete{Id: 0x0501, Merge: 0},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "5 deletelayer id=0x0501 merge=0x0000\n")

	// full opacity colors render as #rrggbb
	text, err = WriteTextString(Message{
		ContextId: 1,
		Body:      &FillRect{Layer: 0x0101, W: 1, H: 1, Color: 0xffaabbcc},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.Contains(text, "color=#aabbcc"))

	// opacity renders as a two digit percentage
	text, err = WriteTextString(Message{
		ContextId: 1,
		Body:      &LayerAttributes{Id: 0x0101, Opacity: 255, Blend: BlendNormal},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.Contains(text, "opacity=100.00"))
}

func TestTextUndoPointBlockSeparator(t *testing.T) {
	text, err := WriteTextString(Message{ContextId: 2, Body: &UndoPoint{}})
	assert.Equal(t, err, nil)
	assert.Equal(t, text, "2 undopoint\n\n")
}

func TestTextMultilineString(t *testing.T) {
	message := Message{
		ContextId: 1,
		Body:      &LayerRetitle{Id: 0x0101, Title: "two words"},
	}
	text, err := WriteTextString(message)
	assert.Equal(t, err, nil)
	// whitespace forces the title into the multiline block
	assert.Equal(t, true, strings.Contains(text, "{\n\ttitle=two words\n}\n"))

	decoded, err := ReadTextString(text)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestTextTrailingBraceString(t *testing.T) {
	// a title ending in "{" must not be mistaken for a block opener
	message := Message{
		ContextId: 1,
		Body:      &LayerRetitle{Id: 0x0101, Title: "sketch{"},
	}
	text, err := WriteTextString(message)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, strings.Contains(text, "{\n\ttitle=sketch{\n}\n"))

	decoded, err := ReadTextString(text)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, message)
}

func TestTextBase64Wrap(t *testing.T) {
	image := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 60)
	text, err := WriteTextString(Message{
		ContextId: 1,
		Body:      &PutTile{Layer: 0x0101, Image: image},
	})
	assert.Equal(t, err, nil)

	for _, line := range strings.Split(text, "\n") {
		if value, found := strings.CutPrefix(line, "\timage="); found {
			assert.Equal(t, true, len(value) <= base64LineWidth)
		}
	}
}

func TestTextUnknownFieldKey(t *testing.T) {
	_, err := ReadTextString("1 deletelayer id=0x0101 merge=0x0000 bogus=1\n")
	decodeErr := &DecodeError{}
	assert.Equal(t, true, errors.As(err, &decodeErr))
}

func TestTextBadValueKinds(t *testing.T) {
	badLines := []string{
		"1 deletelayer id=zzzz merge=0x0000\n",
		"1 layerattr id=0x0101 opacity=200.00 blend=normal\n",
		"1 layerattr id=0x0101 opacity=50.00 blend=bogus\n",
		"1 fillrect layer=0x0101 color=red\n",
		"1 undo override=4000 redo=false\n",
		"1 owner users=1,2,bogus\n",
		"1 bogusmessage\n",
	}
	for _, line := range badLines {
		_, err := ReadTextString(line)
		decodeErr := &DecodeError{}
		assert.Equal(t, true, errors.As(err, &decodeErr))
	}
}

func TestTextStreamWithHeader(t *testing.T) {
	messages := []Message{
		{ContextId: 1, Body: &LayerCreate{Id: 0x0101, Title: "Layer 1"}},
		{ContextId: 1, Body: &FillRect{Layer: 0x0101, W: 4, H: 4, Color: 0xffffffff}},
		{ContextId: 1, Body: &UndoPoint{}},
		{ContextId: 2, Body: &Leave{}},
	}

	buf := &bytes.Buffer{}
	w := NewTextWriter(buf)
	err := w.WriteHeader(map[string]string{"version": "1.0", "writer": "inkwire"})
	assert.Equal(t, err, nil)
	for _, message := range messages {
		assert.Equal(t, w.WriteMessage(message), nil)
	}

	r := NewTextReader(buf)
	header, err := r.ReadHeader()
	assert.Equal(t, err, nil)
	assert.Equal(t, header, map[string]string{"version": "1.0", "writer": "inkwire"})

	for _, message := range messages {
		decoded, err := r.ReadMessage()
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, message)
	}
	_, err = r.ReadMessage()
	assert.Equal(t, err, io.EOF)
}
