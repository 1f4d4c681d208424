package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/inkwire/inkwire/protocol"
)

// recordingMagic opens every binary recording, followed by a format version.
const recordingMagic = "IWRECORD"
const recordingVersion = uint8(1)

// A Recorder archives every message a session accepts, in applied order.
// Replaying a recording through a paint engine reproduces the session. The
// extension picks the codec: .iwr is binary, .iwt is the text format.
type Recorder struct {
	stateLock sync.Mutex
	file      *os.File
	text      *protocol.TextWriter
	closed    bool
}

func NewRecorder(path string, header map[string]string) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	recorder := &Recorder{file: file}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".iwr":
		if _, err := file.Write(append([]byte(recordingMagic), recordingVersion)); err != nil {
			file.Close()
			return nil, err
		}
	case ".iwt":
		recorder.text = protocol.NewTextWriter(file)
		if err := recorder.text.WriteHeader(header); err != nil {
			file.Close()
			return nil, err
		}
	default:
		file.Close()
		return nil, fmt.Errorf("unsupported recording extension %q", filepath.Ext(path))
	}
	return recorder, nil
}

func (self *Recorder) Record(message protocol.Message) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return os.ErrClosed
	}
	if self.text != nil {
		return self.text.WriteMessage(message)
	}
	return protocol.WriteBinary(self.file, message)
}

func (self *Recorder) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return nil
	}
	self.closed = true
	return self.file.Close()
}

// DefaultRecordingHeader is the text recording header for a session.
func DefaultRecordingHeader(sessionId string, title string) map[string]string {
	return map[string]string{
		"version": fmt.Sprintf("%d", recordingVersion),
		"type":    "recording",
		"session": sessionId,
		"title":   title,
		"started": time.Now().UTC().Format(time.RFC3339),
	}
}

// ReadRecording loads a recording's message stream, either format.
func ReadRecording(path string) ([]protocol.Message, map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".iwr":
		head := make([]byte, len(recordingMagic)+1)
		if _, err := io.ReadFull(file, head); err != nil {
			return nil, nil, err
		}
		if string(head[:len(recordingMagic)]) != recordingMagic {
			return nil, nil, fmt.Errorf("%q is not a recording", path)
		}
		messages := []protocol.Message{}
		for {
			message, err := protocol.ReadBinary(file)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, nil, err
			}
			messages = append(messages, message)
		}
		return messages, nil, nil
	case ".iwt":
		reader := protocol.NewTextReader(file)
		header, err := reader.ReadHeader()
		if err != nil {
			return nil, nil, err
		}
		messages := []protocol.Message{}
		for {
			message, err := reader.ReadMessage()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, nil, err
			}
			messages = append(messages, message)
		}
		return messages, header, nil
	}
	return nil, nil, fmt.Errorf("unsupported recording extension %q", filepath.Ext(path))
}
