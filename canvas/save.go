package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inkwire/inkwire/protocol"
)

// canvasMagic opens every binary canvas file, followed by a format version.
const canvasMagic = "IWCANVAS"
const canvasVersion = uint8(1)

var ErrBadCanvasFile = errors.New("not a canvas file")

type SaveResult int

const (
	SaveSuccess SaveResult = iota
	SaveBadArguments
	SaveNoExtension
	SaveUnknownFormat
	SaveFlattenError
	SaveOpenError
	SaveWriteError
)

func (self SaveResult) String() string {
	switch self {
	case SaveSuccess:
		return "saved"
	case SaveBadArguments:
		return "bad arguments"
	case SaveNoExtension:
		return "file name has no extension"
	case SaveUnknownFormat:
		return "unsupported file format"
	case SaveFlattenError:
		return "couldn't flatten the canvas"
	case SaveOpenError:
		return "couldn't open the file for writing"
	case SaveWriteError:
		return "write error"
	}
	return "unknown save result"
}

// Save writes a snapshot to disk in the format selected by the file
// extension: .iwc (binary message stream), .iwt (text message stream), or
// .png (flat export). The file is written to a temp name in the same
// directory and renamed into place, so a failed save never clobbers an
// existing file.
func Save(path string, snapshot *CanvasSnapshot) (SaveResult, error) {
	if path == "" || snapshot == nil {
		return SaveBadArguments, fmt.Errorf("save: %s", SaveBadArguments)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return SaveNoExtension, fmt.Errorf("save %q: %s", path, SaveNoExtension)
	}

	var write func(w io.Writer) (SaveResult, error)
	switch ext {
	case ".iwc":
		write = func(w io.Writer) (SaveResult, error) {
			return writeBinaryCanvas(w, snapshot)
		}
	case ".iwt":
		write = func(w io.Writer) (SaveResult, error) {
			return writeTextCanvas(w, snapshot)
		}
	case ".png":
		write = func(w io.Writer) (SaveResult, error) {
			return writeFlatPng(w, snapshot)
		}
	default:
		return SaveUnknownFormat, fmt.Errorf("save %q: %s", path, SaveUnknownFormat)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return SaveOpenError, err
	}
	result, err := write(tmp)
	closeErr := tmp.Close()
	if err == nil && closeErr != nil {
		result, err = SaveWriteError, closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return result, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return SaveWriteError, err
	}
	return SaveSuccess, nil
}

func writeBinaryCanvas(w io.Writer, snapshot *CanvasSnapshot) (SaveResult, error) {
	messages, err := SnapshotMessages(snapshot)
	if err != nil {
		return SaveFlattenError, err
	}
	if _, err := w.Write(append([]byte(canvasMagic), canvasVersion)); err != nil {
		return SaveWriteError, err
	}
	for _, message := range messages {
		if err := protocol.WriteBinary(w, message); err != nil {
			return SaveWriteError, err
		}
	}
	return SaveSuccess, nil
}

func writeTextCanvas(w io.Writer, snapshot *CanvasSnapshot) (SaveResult, error) {
	messages, err := SnapshotMessages(snapshot)
	if err != nil {
		return SaveFlattenError, err
	}
	tw := protocol.NewTextWriter(w)
	header := map[string]string{
		"version": fmt.Sprintf("%d", canvasVersion),
		"type":    "canvas",
	}
	if err := tw.WriteHeader(header); err != nil {
		return SaveWriteError, err
	}
	for _, message := range messages {
		if err := tw.WriteMessage(message); err != nil {
			return SaveWriteError, err
		}
	}
	return SaveSuccess, nil
}

// writeFlatPng exports the composited canvas. Straight ARGB maps directly to
// NRGBA.
func writeFlatPng(w io.Writer, snapshot *CanvasSnapshot) (SaveResult, error) {
	stack := snapshot.Stack
	width, height := stack.Size()
	if width <= 0 || height <= 0 {
		return SaveFlattenError, fmt.Errorf("canvas is empty")
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	cols := (width + TileSize - 1) / TileSize
	rows := (height + TileSize - 1) / TileSize
	for row := 0; row < rows; row += 1 {
		for col := 0; col < cols; col += 1 {
			flat := stack.flattenTile(TileIndex{Col: col, Row: row}, false)
			for y := 0; y < TileSize; y += 1 {
				py := row*TileSize + y
				if height <= py {
					break
				}
				for x := 0; x < TileSize; x += 1 {
					px := col*TileSize + x
					if width <= px {
						break
					}
					pixel := flat.At(x, y)
					o := img.PixOffset(px, py)
					img.Pix[o] = byte(redOf(pixel))
					img.Pix[o+1] = byte(greenOf(pixel))
					img.Pix[o+2] = byte(blueOf(pixel))
					img.Pix[o+3] = byte(alphaOf(pixel))
				}
			}
		}
	}
	if err := png.Encode(w, img); err != nil {
		return SaveWriteError, err
	}
	return SaveSuccess, nil
}

// SnapshotMessages serializes replicated canvas state as the message
// sequence that rebuilds it on a fresh zero-size engine (the resize offsets
// are relative). The same sequence serves canvas files and late joiner
// catch up. All messages carry context id 0.
func SnapshotMessages(snapshot *CanvasSnapshot) ([]protocol.Message, error) {
	stack := snapshot.Stack
	width, height := stack.Size()
	messages := []protocol.Message{}
	emit := func(body protocol.Body) {
		messages = append(messages, protocol.Message{Body: body})
	}

	emit(&protocol.CanvasResize{Right: int32(width), Bottom: int32(height)})

	if stack.backgroundTile != nil {
		compressed, err := stack.backgroundTile.Compress()
		if err != nil {
			return nil, err
		}
		emit(&protocol.CanvasBackground{Image: compressed})
	} else if stack.backgroundColor != 0 {
		emit(&protocol.CanvasBackground{Color: stack.backgroundColor})
	}

	meta := snapshot.Meta
	if meta.DefaultLayer != 0 {
		emit(&protocol.MetadataInt{Field: protocol.MetadataFieldDefaultLayer, Value: int32(meta.DefaultLayer)})
	}
	if meta.Framerate != 0 {
		emit(&protocol.MetadataInt{Field: protocol.MetadataFieldFramerate, Value: meta.Framerate})
	}
	if meta.UseTimeline {
		emit(&protocol.MetadataInt{Field: protocol.MetadataFieldUseTimeline, Value: 1})
	}

	// Layer creation goes bottom to top. A root create with target 0 lands
	// topmost, and an into create lands as the topmost child, so emitting
	// siblings in reverse document order reproduces the original order.
	var emitSubtree func(i int, parent uint16) error
	emitSubtree = func(i int, parent uint16) error {
		item := stack.items[i]
		flags := uint8(0)
		target := uint16(0)
		if item.Group {
			flags |= protocol.LayerCreateFlagGroup
		}
		if parent != 0 {
			flags |= protocol.LayerCreateFlagInto
			target = parent
		}
		emit(&protocol.LayerCreate{
			Id:     item.Id,
			Target: target,
			Flags:  flags,
			Title:  item.Title,
		})
		if item.Opacity != 255 || item.Blend != protocol.BlendNormal || item.AttributeFlags() != 0 {
			emit(&protocol.LayerAttributes{
				Id:      item.Id,
				Flags:   item.AttributeFlags(),
				Opacity: item.Opacity,
				Blend:   item.Blend,
			})
		}
		if !item.Group {
			if err := emitTiles(stack, item.Id, emit); err != nil {
				return err
			}
		}
		children := stack.childIndices(i)
		for c := len(children) - 1; 0 <= c; c -= 1 {
			if err := emitSubtree(children[c], item.Id); err != nil {
				return err
			}
		}
		return nil
	}
	roots := stack.rootIndices()
	for r := len(roots) - 1; 0 <= r; r -= 1 {
		if err := emitSubtree(roots[r], 0); err != nil {
			return nil, err
		}
	}

	acl := snapshot.Acl
	if operators := acl.Operators(); 0 < len(operators) {
		emit(&protocol.SessionOwner{Users: operators})
	}
	if trusted := acl.Trusted(); 0 < len(trusted) {
		emit(&protocol.TrustedUsers{Users: trusted})
	}
	if acl.lockAll {
		emit(&protocol.SessionAcl{Flags: protocol.SessionAclFlagLockAll})
	}
	if acl.featureTiers != defaultFeatureTiers() {
		tiers := make([]uint8, FeatureCount)
		for i := range acl.featureTiers {
			tiers[i] = uint8(acl.featureTiers[i])
		}
		emit(&protocol.FeatureAccess{FeatureTiers: tiers})
	}
	layerIds := make([]uint16, 0, len(acl.layers))
	for id := range acl.layers {
		layerIds = append(layerIds, id)
	}
	sort.Slice(layerIds, func(i, j int) bool { return layerIds[i] < layerIds[j] })
	for _, id := range layerIds {
		entry := acl.layers[id]
		flags := uint8(entry.Tier) & protocol.LayerAclFlagTierMask
		if entry.Locked {
			flags |= protocol.LayerAclFlagLocked
		}
		emit(&protocol.LayerAcl{Id: id, Flags: flags, Exclusive: entry.Exclusive})
	}

	return messages, nil
}

// emitTiles writes a layer's sparse tiles in row major order, folding runs
// of identical adjacent tiles into one puttile with a repeat count.
func emitTiles(stack *LayerStack, layerId uint16, emit func(protocol.Body)) error {
	content := stack.contents[layerId]
	if content == nil {
		return nil
	}
	width, _ := stack.Size()
	cols := (width + TileSize - 1) / TileSize

	indices := make([]TileIndex, 0, len(content.tiles))
	for ti := range content.tiles {
		indices = append(indices, ti)
	}
	sort.Slice(indices, func(i, j int) bool {
		if indices[i].Row != indices[j].Row {
			return indices[i].Row < indices[j].Row
		}
		return indices[i].Col < indices[j].Col
	})

	for i := 0; i < len(indices); {
		ti := indices[i]
		run := 1
		for i+run < len(indices) {
			next := indices[i+run]
			prev := indices[i+run-1]
			if next.Row*cols+next.Col != prev.Row*cols+prev.Col+1 {
				break
			}
			if *content.tiles[next] != *content.tiles[ti] {
				break
			}
			run += 1
		}
		compressed, err := content.tiles[ti].Compress()
		if err != nil {
			return err
		}
		emit(&protocol.PutTile{
			Layer:  layerId,
			Col:    uint16(ti.Col),
			Row:    uint16(ti.Row),
			Repeat: uint16(run - 1),
			Image:  compressed,
		})
		i += run
	}
	return nil
}

// Load reads a canvas or recording file and returns its message stream.
// The format is selected by extension, matching Save.
func Load(path string) ([]protocol.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".iwc":
		return readBinaryCanvas(f)
	case ".iwt":
		return readTextCanvas(f)
	}
	return nil, fmt.Errorf("load %q: %s", path, SaveUnknownFormat)
}

func readBinaryCanvas(r io.Reader) ([]protocol.Message, error) {
	head := make([]byte, len(canvasMagic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, ErrBadCanvasFile
	}
	if string(head[:len(canvasMagic)]) != canvasMagic {
		return nil, ErrBadCanvasFile
	}
	if head[len(canvasMagic)] != canvasVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadCanvasFile, head[len(canvasMagic)])
	}
	messages := []protocol.Message{}
	for {
		message, err := protocol.ReadBinary(r)
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
}

func readTextCanvas(r io.Reader) ([]protocol.Message, error) {
	tr := protocol.NewTextReader(r)
	if _, err := tr.ReadHeader(); err != nil {
		return nil, err
	}
	messages := []protocol.Message{}
	for {
		message, err := tr.ReadMessage()
		if err == io.EOF {
			return messages, nil
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
}
