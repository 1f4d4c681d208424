package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/inkwire/inkwire/canvas"
	"github.com/inkwire/inkwire/protocol"
)

// Client is the session-side mirror of a joined user. Local edits are not
// applied optimistically: Send only queues the message for the server, and
// the local engine mutates when the message echoes back in the broadcast
// stream. Every client therefore applies the same messages in the same
// order and converges.

var ErrClientClosed = errors.New("client closed")

type ClientSettings struct {
	WsHandshakeTimeout time.Duration
	WelcomeTimeout     time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int

	Engine *canvas.PaintEngineSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WelcomeTimeout:     5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     64,
		Engine:             canvas.DefaultPaintEngineSettings(),
	}
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId string
	contextId uint8

	ws     *websocket.Conn
	engine *canvas.PaintEngine
	send   chan protocol.Message

	settings *ClientSettings
}

// Connect dials the session's websocket endpoint (the join token goes in
// the url) and completes the welcome handshake.
func Connect(ctx context.Context, url string, settings *ClientSettings) (*Client, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(settings.WelcomeTimeout))
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("expected a welcome frame")
	}
	var w welcome
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bad welcome frame: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:       cancelCtx,
		cancel:    cancel,
		sessionId: w.Session,
		contextId: w.ContextId,
		ws:        ws,
		engine:    canvas.NewPaintEngine(w.ContextId, 0, 0, settings.Engine),
		send:      make(chan protocol.Message, settings.SendBufferSize),
		settings:  settings,
	}

	success = true
	go client.reader()
	go client.writer()
	return client, nil
}

func ConnectWithDefaults(ctx context.Context, url string) (*Client, error) {
	return Connect(ctx, url, DefaultClientSettings())
}

func (self *Client) SessionId() string {
	return self.sessionId
}

func (self *Client) ContextId() uint8 {
	return self.contextId
}

// Engine is the local replica. Read it for rendering; never mutate it
// directly.
func (self *Client) Engine() *canvas.PaintEngine {
	return self.engine
}

func (self *Client) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Send queues a message for the server, stamped with this client's context
// id. The local state changes when the server echoes the message back.
func (self *Client) Send(body protocol.Body) error {
	message := protocol.Message{ContextId: self.contextId, Body: body}
	select {
	case self.send <- message:
		return nil
	case <-self.ctx.Done():
		return ErrClientClosed
	}
}

func (self *Client) reader() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.ws.SetPingHandler(func(appData string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		// WriteControl is safe alongside the writer goroutine
		return self.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
	})

	for {
		messageType, data, err := self.ws.ReadMessage()
		if err != nil {
			return
		}
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		// malformed wire data desyncs the total order; drop the connection
		message, err := protocol.DecodeBinary(data)
		if err != nil {
			glog.Warningf("[client]%d<- decode error = %s\n", self.contextId, err)
			return
		}
		if rejection := self.engine.ApplyMessage(message); rejection != nil {
			// the server already vetted this message; disagreement
			// means the replica has diverged
			glog.Warningf("[client]%d<- apply %s = %s\n", self.contextId, message.Type(), rejection)
		}
	}
}

func (self *Client) writer() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			data, err := protocol.EncodeBinary(message)
			if err != nil {
				glog.Warningf("[client]%d-> encode error = %s\n", self.contextId, err)
				continue
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

func (self *Client) Close() {
	self.cancel()
	self.ws.Close()
}
