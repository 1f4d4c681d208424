package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

var ErrTooManySessions = errors.New("too many sessions")

type SessionServerSettings struct {
	MaxSessions int
	// idle sessions (no users) close after this, 0 to keep them open
	IdleTimeout time.Duration

	WsHandshakeTimeout time.Duration

	Session *SessionSettings
}

func DefaultSessionServerSettings() *SessionServerSettings {
	return &SessionServerSettings{
		MaxSessions:        64,
		IdleTimeout:        0,
		WsHandshakeTimeout: 5 * time.Second,
		Session:            DefaultSessionSettings(),
	}
}

// SessionServer hosts the active sessions and the http surface: a websocket
// join endpoint per session and a json admin api.
type SessionServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SessionServerSettings
	store    *Store
	auth     *TokenAuth

	upgrader websocket.Upgrader

	startTime time.Time

	stateLock sync.Mutex
	sessions  map[string]*Session
}

func NewSessionServer(ctx context.Context, store *Store, auth *TokenAuth, settings *SessionServerSettings) *SessionServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SessionServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		store:    store,
		auth:     auth,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
		sessions:  map[string]*Session{},
	}
}

func NewSessionServerWithDefaults(ctx context.Context, store *Store, auth *TokenAuth) *SessionServer {
	return NewSessionServer(ctx, store, auth, DefaultSessionServerSettings())
}

// CreateSession starts a new session and persists its record.
func (self *SessionServer) CreateSession(title string, founder string) (*Session, error) {
	self.stateLock.Lock()
	if self.settings.MaxSessions <= len(self.sessions) {
		self.stateLock.Unlock()
		return nil, ErrTooManySessions
	}
	self.stateLock.Unlock()

	record := &SessionRecord{
		Id:      ulid.Make().String(),
		Title:   title,
		Founder: founder,
		Created: time.Now(),
	}
	return self.startSession(record)
}

// ResumeSession brings a persisted session back online.
func (self *SessionServer) ResumeSession(id string) (*Session, error) {
	if existing := self.Session(id); existing != nil {
		return existing, nil
	}
	if self.store == nil {
		return nil, ErrSessionUnknown
	}
	record, err := self.store.Session(id)
	if err != nil {
		return nil, err
	}
	return self.startSession(record)
}

func (self *SessionServer) startSession(record *SessionRecord) (*Session, error) {
	s, err := NewSession(self.ctx, record, self.store, self.settings.Session)
	if err != nil {
		return nil, err
	}
	if self.store != nil {
		if err := self.store.PutSession(record); err != nil {
			s.Close()
			return nil, err
		}
	}

	self.stateLock.Lock()
	self.sessions[record.Id] = s
	self.stateLock.Unlock()

	go func() {
		<-s.Done()
		self.stateLock.Lock()
		if self.sessions[record.Id] == s {
			delete(self.sessions, record.Id)
		}
		self.stateLock.Unlock()
	}()

	glog.Infof("[server]session %s (%q) online\n", record.Id, record.Title)
	return s, nil
}

func (self *SessionServer) Session(id string) *Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessions[id]
}

func (self *SessionServer) Sessions() []*Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sessions := make([]*Session, 0, len(self.sessions))
	for _, s := range self.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (self *SessionServer) CloseSession(id string) bool {
	s := self.Session(id)
	if s == nil {
		return false
	}
	s.Close()
	return true
}

func (self *SessionServer) Close() {
	self.cancel()
}

// Router exposes the join endpoint and the admin api.
func (self *SessionServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/sessions/{id}/ws", self.handleJoin).Methods(http.MethodGet)
	self.addAdminRoutes(router)
	return router
}

// handleJoin authenticates the join token, checks bans, upgrades the
// connection, and hands it to the session's sequencer.
func (self *SessionServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionId := mux.Vars(r)["id"]

	claims, err := self.auth.VerifyJoinToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	if claims.SessionId != sessionId {
		http.Error(w, "token is for another session", http.StatusForbidden)
		return
	}
	if self.store != nil {
		if banned, err := self.store.IsBanned(claims.Name); err == nil && banned {
			http.Error(w, "banned", http.StatusForbidden)
			return
		}
	}

	s := self.Session(sessionId)
	if s == nil {
		var err error
		s, err = self.ResumeSession(sessionId)
		if err != nil {
			http.Error(w, "no such session", http.StatusNotFound)
			return
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[server]upgrade error = %s\n", err)
		return
	}
	if err := s.Join(ws, claims); err != nil {
		glog.Infof("[server]join %s error = %s\n", sessionId, err)
		ws.Close()
	}
}
