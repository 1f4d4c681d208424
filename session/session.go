package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/inkwire/inkwire/canvas"
	"github.com/inkwire/inkwire/protocol"
)

// A session is one shared canvas plus the sequencer that serializes every
// mutation against it. All canvas writes happen on the sequencer goroutine:
// client messages and control operations (join, leave, persist) flow through
// channels, so the paint engine never sees concurrent appliers and every
// client observes the same total order.

var ErrSessionClosed = errors.New("session closed")
var ErrSessionFull = errors.New("session full")

type SessionSettings struct {
	// client messages waiting for the sequencer
	IncomingBufferSize int
	// encoded frames waiting for one client's writer
	SendBufferSize int

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration

	MaxUsers int

	CanvasWidth  int
	CanvasHeight int

	// persist the canvas stream this often, 0 to disable
	AutosaveInterval time.Duration
	// write a session recording into this directory, empty to disable
	RecordingDir string

	History *canvas.HistorySettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		IncomingBufferSize: 64,
		SendBufferSize:     64,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		PingTimeout:        15 * time.Second,
		MaxUsers:           254,
		CanvasWidth:        800,
		CanvasHeight:       600,
		AutosaveInterval:   30 * time.Second,
		History:            canvas.DefaultHistorySettings(),
	}
}

type inbound struct {
	from    uint8
	message protocol.Message
}

// welcome is the one json text frame sent to a client before the binary
// message stream; it tells the client its assigned context id.
type welcome struct {
	Session   string `json:"session"`
	ContextId uint8  `json:"context_id"`
}

type remoteClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	contextId uint8
	name      string
	operator  bool
	ws        *websocket.Conn
	send      chan []byte
	// frames the writer flushes before draining send
	catchup [][]byte
	joined  time.Time
}

type SessionUser struct {
	ContextId uint8     `json:"context_id"`
	Name      string    `json:"name"`
	Operator  bool      `json:"operator"`
	Joined    time.Time `json:"joined"`
}

type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	record   *SessionRecord
	settings *SessionSettings
	store    *Store

	engine   *canvas.PaintEngine
	recorder *Recorder

	incoming chan *inbound
	control  chan func()
	// closed when the sequencer has shut down and persisted
	done chan struct{}

	stateLock sync.Mutex
	clients   map[uint8]*remoteClient
}

func NewSession(ctx context.Context, record *SessionRecord, store *Store, settings *SessionSettings) (*Session, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Session{
		ctx:      cancelCtx,
		cancel:   cancel,
		record:   record,
		settings: settings,
		store:    store,
		incoming: make(chan *inbound, settings.IncomingBufferSize),
		control:  make(chan func()),
		done:     make(chan struct{}),
		clients:  map[uint8]*remoteClient{},
	}

	// a persisted stream carries its own canvas size, starting from zero
	var stream []byte
	if store != nil {
		var err error
		stream, err = store.Canvas(record.Id)
		if err != nil && !errors.Is(err, ErrSessionUnknown) {
			cancel()
			return nil, err
		}
	}
	engineSettings := &canvas.PaintEngineSettings{History: settings.History}
	if stream == nil {
		self.engine = canvas.NewPaintEngine(0, settings.CanvasWidth, settings.CanvasHeight, engineSettings)
	} else {
		self.engine = canvas.NewPaintEngine(0, 0, 0, engineSettings)
		if err := self.restore(stream); err != nil {
			cancel()
			return nil, err
		}
	}

	if settings.RecordingDir != "" {
		path := filepath.Join(settings.RecordingDir, record.Id+".iwr")
		recorder, err := NewRecorder(path, DefaultRecordingHeader(record.Id, record.Title))
		if err != nil {
			cancel()
			return nil, err
		}
		self.recorder = recorder

		// lead with the current canvas state so the recording replays on
		// its own, even when the session resumed from a persisted stream
		messages, err := canvas.SnapshotMessages(self.engine.Snapshot())
		if err == nil {
			for _, message := range messages {
				if err := recorder.Record(message); err != nil {
					break
				}
			}
		}
	}

	go self.run()
	return self, nil
}

func (self *Session) Id() string {
	return self.record.Id
}

func (self *Session) Record() *SessionRecord {
	return self.record
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

// restore replays a persisted canvas stream before the sequencer starts.
func (self *Session) restore(stream []byte) error {
	r := bytes.NewReader(stream)
	for 0 < r.Len() {
		message, err := protocol.ReadBinary(r)
		if err != nil {
			return fmt.Errorf("corrupt canvas stream: %w", err)
		}
		if rejection := self.engine.ApplyMessage(message); rejection != nil {
			return fmt.Errorf("corrupt canvas stream: %s", rejection)
		}
	}
	return nil
}

func (self *Session) run() {
	defer close(self.done)
	defer func() {
		self.persist()
		if self.recorder != nil {
			self.recorder.Close()
		}
		self.stateLock.Lock()
		for _, client := range self.clients {
			client.cancel()
			client.ws.Close()
		}
		self.stateLock.Unlock()
	}()

	var autosave <-chan time.Time
	if 0 < self.settings.AutosaveInterval {
		ticker := time.NewTicker(self.settings.AutosaveInterval)
		defer ticker.Stop()
		autosave = ticker.C
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case f := <-self.control:
			f()
		case in := <-self.incoming:
			self.sequence(in)
		case <-autosave:
			self.persist()
		}
	}
}

// sequence applies one client message and broadcasts it on success. The
// sender's context id is stamped server side so a client cannot speak for
// another.
func (self *Session) sequence(in *inbound) {
	message := in.message
	message.ContextId = in.from

	if rejection := self.engine.ApplyMessage(message); rejection != nil {
		glog.V(1).Infof("[session]%s drop %s from %d: %s\n", self.record.Id, message.Type(), in.from, rejection)
		return
	}
	if self.recorder != nil {
		if err := self.recorder.Record(message); err != nil {
			glog.Warningf("[session]%s recording error = %s\n", self.record.Id, err)
		}
	}
	self.broadcast(message)
}

func (self *Session) broadcast(message protocol.Message) {
	data, err := protocol.EncodeBinary(message)
	if err != nil {
		glog.Warningf("[session]%s encode error = %s\n", self.record.Id, err)
		return
	}
	self.stateLock.Lock()
	clients := make([]*remoteClient, 0, len(self.clients))
	for _, client := range self.clients {
		clients = append(clients, client)
	}
	self.stateLock.Unlock()
	for _, client := range clients {
		// block rather than drop; a stalled client times out on write
		// and gets dropped by its writer
		select {
		case client.send <- data:
		case <-client.ctx.Done():
		}
	}
}

// persist writes the canvas stream to the store.
func (self *Session) persist() {
	if self.store == nil {
		return
	}
	messages, err := canvas.SnapshotMessages(self.engine.Snapshot())
	if err != nil {
		glog.Warningf("[session]%s snapshot error = %s\n", self.record.Id, err)
		return
	}
	buf := &bytes.Buffer{}
	for _, message := range messages {
		if err := protocol.WriteBinary(buf, message); err != nil {
			glog.Warningf("[session]%s snapshot encode error = %s\n", self.record.Id, err)
			return
		}
	}
	if err := self.store.PutCanvas(self.record.Id, buf.Bytes()); err != nil {
		glog.Warningf("[session]%s persist error = %s\n", self.record.Id, err)
	}
}

// Join registers a websocket client under the given claims. It runs on the
// sequencer so the catch-up stream is a consistent cut of the session.
func (self *Session) Join(ws *websocket.Conn, claims *JoinClaims) error {
	errs := make(chan error, 1)
	op := func() {
		errs <- self.addClient(ws, claims)
	}
	select {
	case self.control <- op:
	case <-self.ctx.Done():
		return ErrSessionClosed
	}
	select {
	case err := <-errs:
		return err
	case <-self.ctx.Done():
		return ErrSessionClosed
	}
}

func (self *Session) addClient(ws *websocket.Conn, claims *JoinClaims) error {
	contextId := self.availableContextId()
	if contextId == 0 {
		return ErrSessionFull
	}

	clientCtx, clientCancel := context.WithCancel(self.ctx)
	client := &remoteClient{
		ctx:       clientCtx,
		cancel:    clientCancel,
		contextId: contextId,
		name:      claims.Name,
		operator:  claims.Operator,
		ws:        ws,
		send:      make(chan []byte, self.settings.SendBufferSize),
		joined:    time.Now(),
	}

	// catch-up: the client's context id, the canvas state, and the
	// present users, all before the client is registered for broadcasts
	welcomeData, err := json.Marshal(&welcome{Session: self.record.Id, ContextId: contextId})
	if err != nil {
		clientCancel()
		return err
	}
	catchup, err := self.catchupFrames()
	if err != nil {
		clientCancel()
		return err
	}
	client.catchup = catchup

	self.stateLock.Lock()
	self.clients[contextId] = client
	self.stateLock.Unlock()

	go self.clientWriter(client, welcomeData)
	go self.clientReader(client)

	var flags uint8
	if claims.Operator {
		flags |= protocol.JoinFlagMod
	}
	self.sequence(&inbound{
		from:    contextId,
		message: protocol.Message{Body: &protocol.Join{Flags: flags, Name: claims.Name}},
	})
	if claims.Operator {
		self.refreshOperators()
	}

	glog.Infof("[session]%s join %q as %d\n", self.record.Id, claims.Name, contextId)
	return nil
}

// catchupFrames encodes the snapshot stream plus a join message per present
// user. Computed on the sequencer, so it is a consistent cut: every later
// broadcast queues behind it.
func (self *Session) catchupFrames() ([][]byte, error) {
	messages, err := canvas.SnapshotMessages(self.engine.Snapshot())
	if err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	for _, client := range self.clients {
		var flags uint8
		if client.operator {
			flags |= protocol.JoinFlagMod
		}
		messages = append(messages, protocol.Message{
			ContextId: client.contextId,
			Body:      &protocol.Join{Flags: flags, Name: client.name},
		})
	}
	self.stateLock.Unlock()

	frames := make([][]byte, 0, len(messages))
	for _, message := range messages {
		data, err := protocol.EncodeBinary(message)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	return frames, nil
}

// availableContextId picks an unused context id, preferring ids whose
// former holder has no frames left in the undo history. Handing out such an
// id would let the newcomer undo the departed user's work. When every free
// id is still tied to history the first free one is reused anyway, so long
// sessions never lock out joins.
func (self *Session) availableContextId() uint8 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	var fallback uint8
	for id := 1; id <= self.settings.MaxUsers && id <= 254; id += 1 {
		if _, ok := self.clients[uint8(id)]; ok {
			continue
		}
		if !self.engine.HasHistoryFrames(uint8(id)) {
			return uint8(id)
		}
		if fallback == 0 {
			fallback = uint8(id)
		}
	}
	return fallback
}

// refreshOperators reissues the owner list from the clients' operator flags.
func (self *Session) refreshOperators() {
	self.stateLock.Lock()
	operators := []uint8{}
	for _, client := range self.clients {
		if client.operator {
			operators = append(operators, client.contextId)
		}
	}
	self.stateLock.Unlock()
	self.sequence(&inbound{
		from:    0,
		message: protocol.Message{Body: &protocol.SessionOwner{Users: operators}},
	})
}

// dropClient runs on the sequencer. The sequenced leave closes and undoes
// any open stroke on every replica, so a mid-stroke disconnect never leaves
// half a frame behind.
func (self *Session) dropClient(client *remoteClient) {
	self.stateLock.Lock()
	current, ok := self.clients[client.contextId]
	if ok && current == client {
		delete(self.clients, client.contextId)
	}
	self.stateLock.Unlock()
	if !ok || current != client {
		return
	}

	client.cancel()
	client.ws.Close()

	self.sequence(&inbound{
		from:    client.contextId,
		message: protocol.Message{Body: &protocol.Leave{}},
	})
	if client.operator {
		self.refreshOperators()
	}
	glog.Infof("[session]%s leave %d\n", self.record.Id, client.contextId)
}

func (self *Session) clientWriter(client *remoteClient, welcomeData []byte) {
	defer client.cancel()

	client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := client.ws.WriteMessage(websocket.TextMessage, welcomeData); err != nil {
		return
	}
	for _, data := range client.catchup {
		client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		if err := client.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
	}
	client.catchup = nil

	for {
		select {
		case <-client.ctx.Done():
			return
		case data := <-client.send:
			client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				glog.V(1).Infof("[session]%s %d-> error = %s\n", self.record.Id, client.contextId, err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (self *Session) clientReader(client *remoteClient) {
	defer func() {
		op := func() {
			self.dropClient(client)
		}
		select {
		case self.control <- op:
		case <-self.ctx.Done():
		}
	}()

	client.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	client.ws.SetPongHandler(func(string) error {
		client.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		messageType, data, err := client.ws.ReadMessage()
		if err != nil {
			return
		}
		client.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		// malformed wire data desyncs the total order; drop the connection
		message, err := protocol.DecodeBinary(data)
		if err != nil {
			glog.Infof("[session]%s %d<- decode error = %s\n", self.record.Id, client.contextId, err)
			return
		}
		in := &inbound{from: client.contextId, message: message}
		select {
		case self.incoming <- in:
		case <-client.ctx.Done():
			return
		}
	}
}

func (self *Session) Users() []SessionUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	users := make([]SessionUser, 0, len(self.clients))
	for _, client := range self.clients {
		users = append(users, SessionUser{
			ContextId: client.contextId,
			Name:      client.name,
			Operator:  client.operator,
			Joined:    client.joined,
		})
	}
	return users
}

func (self *Session) UserCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.clients)
}

// Kick disconnects one user.
func (self *Session) Kick(contextId uint8) {
	self.stateLock.Lock()
	client := self.clients[contextId]
	self.stateLock.Unlock()
	if client != nil {
		client.ws.Close()
	}
}

// Close shuts the session down and waits for the final persist.
func (self *Session) Close() {
	self.cancel()
	<-self.done
}
