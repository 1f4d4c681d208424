package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/inkwire/inkwire/canvas"
	"github.com/inkwire/inkwire/protocol"
)

func newTestServer(t *testing.T) (*SessionServer, *httptest.Server, *TokenAuth) {
	auth := NewTokenAuth([]byte("test-secret"))

	settings := DefaultSessionServerSettings()
	settings.Session.CanvasWidth = 64
	settings.Session.CanvasHeight = 64
	settings.Session.AutosaveInterval = 0

	server := NewSessionServer(context.Background(), nil, auth, settings)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return server, ts, auth
}

func joinUrl(ts *httptest.Server, sessionId string, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + sessionId + "/ws?token=" + token
}

func connectUser(t *testing.T, ts *httptest.Server, auth *TokenAuth, sessionId string, name string, operator bool) *Client {
	token, err := auth.MintJoinToken(&JoinClaims{
		SessionId: sessionId,
		Name:      name,
		Operator:  operator,
	}, time.Minute)
	assert.Equal(t, err, nil)

	client, err := ConnectWithDefaults(context.Background(), joinUrl(ts, sessionId, token))
	assert.Equal(t, err, nil)
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinRequiresValidToken(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	_, err = ConnectWithDefaults(context.Background(), joinUrl(ts, s.Id(), "garbage"))
	assert.NotEqual(t, err, nil)

	// a token for another session is refused too
	token, err := auth.MintJoinToken(&JoinClaims{SessionId: "other", Name: "x"}, time.Minute)
	assert.Equal(t, err, nil)
	_, err = ConnectWithDefaults(context.Background(), joinUrl(ts, s.Id(), token))
	assert.NotEqual(t, err, nil)
}

func TestDrawingReachesAllClients(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	bob := connectUser(t, ts, auth, s.Id(), "bob", false)

	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	assert.Equal(t, alice.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 8, H: 8, Color: 0xffcc0000,
	}), nil)
	assert.Equal(t, alice.Send(&protocol.UndoPoint{}), nil)

	red := func(engine *canvas.PaintEngine) bool {
		return engine.Composite(0, 0, 1, 1)[0] == 0xffcc0000
	}
	waitFor(t, "alice echo", func() bool { return red(alice.Engine()) })
	waitFor(t, "bob broadcast", func() bool { return red(bob.Engine()) })

	assert.Equal(t, alice.Engine().Composite(0, 0, 64, 64), bob.Engine().Composite(0, 0, 64, 64))
}

func TestLateJoinerCatchesUp(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	assert.Equal(t, alice.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 16, H: 16, Color: 0xff0000cc,
	}), nil)
	assert.Equal(t, alice.Send(&protocol.UndoPoint{}), nil)
	waitFor(t, "alice echo", func() bool {
		return alice.Engine().Composite(0, 0, 1, 1)[0] == 0xff0000cc
	})

	bob := connectUser(t, ts, auth, s.Id(), "bob", false)
	waitFor(t, "bob catch-up", func() bool {
		return bob.Engine().Composite(0, 0, 1, 1)[0] == 0xff0000cc
	})
	assert.Equal(t, alice.Engine().Composite(0, 0, 64, 64), bob.Engine().Composite(0, 0, 64, 64))
	assert.Equal(t, alice.Engine().LayerItems(), bob.Engine().LayerItems())
}

func TestServerRejectsUnauthorizedMessages(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	bob := connectUser(t, ts, auth, s.Id(), "bob", false)

	// bob is not an operator; the resize is dropped server side
	assert.Equal(t, bob.Send(&protocol.CanvasResize{Right: 100}), nil)

	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	waitFor(t, "layer create echo", func() bool {
		_, ok := bob.Engine().Layer(layer)
		return ok
	})

	w, h := bob.Engine().CanvasSize()
	assert.Equal(t, w, 64)
	assert.Equal(t, h, 64)
}

func TestUndoAcrossClients(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	bob := connectUser(t, ts, auth, s.Id(), "bob", false)

	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	assert.Equal(t, alice.Send(&protocol.UndoPoint{}), nil)
	assert.Equal(t, alice.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 8, H: 8, Color: 0xff00cc00,
	}), nil)
	assert.Equal(t, alice.Send(&protocol.UndoPoint{}), nil)
	waitFor(t, "fill on bob", func() bool {
		return bob.Engine().Composite(0, 0, 1, 1)[0] == 0xff00cc00
	})

	assert.Equal(t, alice.Send(&protocol.Undo{}), nil)
	waitFor(t, "undo on bob", func() bool {
		return bob.Engine().Composite(0, 0, 1, 1)[0] == 0
	})
	waitFor(t, "undo on alice", func() bool {
		return alice.Engine().Composite(0, 0, 1, 1)[0] == 0
	})
}

func TestDisconnectDiscardsOpenStroke(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	bob := connectUser(t, ts, auth, s.Id(), "bob", false)

	layer := uint16(bob.ContextId())<<8 | 1
	assert.Equal(t, bob.Send(&protocol.LayerCreate{Id: layer, Title: "wip"}), nil)
	assert.Equal(t, bob.Send(&protocol.UndoPoint{}), nil)
	// an unterminated stroke
	assert.Equal(t, bob.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 8, H: 8, Color: 0xffcc00cc,
	}), nil)
	waitFor(t, "stroke on alice", func() bool {
		return alice.Engine().Composite(0, 0, 1, 1)[0] == 0xffcc00cc
	})

	bob.Close()
	waitFor(t, "stroke reverted on server", func() bool {
		return s.engine.Composite(0, 0, 1, 1)[0] == 0
	})
	// the sequenced leave rolls the stroke back on every client too
	waitFor(t, "stroke reverted on alice", func() bool {
		return alice.Engine().Composite(0, 0, 1, 1)[0] == 0
	})
	waitFor(t, "bob gone", func() bool {
		return s.UserCount() == 1
	})
}

// A departed user's context id stays out of circulation while the undo
// history still holds their frames, so a newcomer cannot undo them.
func TestRejoinerSkipsHistoriedContextId(t *testing.T) {
	server, ts, auth := newTestServer(t)
	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	alice := connectUser(t, ts, auth, s.Id(), "alice", true)
	bob := connectUser(t, ts, auth, s.Id(), "bob", false)
	bobId := bob.ContextId()

	layer := uint16(bobId)<<8 | 1
	assert.Equal(t, bob.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	assert.Equal(t, bob.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 8, H: 8, Color: 0xff00cc00,
	}), nil)
	assert.Equal(t, bob.Send(&protocol.UndoPoint{}), nil)
	waitFor(t, "bob echo", func() bool {
		return bob.Engine().Composite(0, 0, 1, 1)[0] == 0xff00cc00
	})

	bob.Close()
	waitFor(t, "bob departure", func() bool { return s.UserCount() == 1 })

	carol := connectUser(t, ts, auth, s.Id(), "carol", false)
	assert.NotEqual(t, carol.ContextId(), bobId)
	assert.Equal(t, carol.Send(&protocol.Undo{}), nil)

	// carol's undo finds nothing of her own; bob's fill stays
	assert.Equal(t, alice.Send(&protocol.MetadataInt{Field: protocol.MetadataFieldFramerate, Value: 24}), nil)
	waitFor(t, "ordering point", func() bool {
		return alice.Engine().Metadata().Framerate == 24
	})
	assert.Equal(t, alice.Engine().Composite(0, 0, 1, 1)[0], uint32(0xff00cc00))
}

// Pong replies race the client's writer goroutine; with an aggressive ping
// cadence the stream must stay intact and the connection alive.
func TestKeepaliveDuringTraffic(t *testing.T) {
	auth := NewTokenAuth([]byte("test-secret"))
	settings := DefaultSessionServerSettings()
	settings.Session.CanvasWidth = 64
	settings.Session.CanvasHeight = 64
	settings.Session.AutosaveInterval = 0
	settings.Session.PingTimeout = 5 * time.Millisecond

	server := NewSessionServer(context.Background(), nil, auth, settings)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)
	alice := connectUser(t, ts, auth, s.Id(), "alice", true)

	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "Layer 1"}), nil)
	for i := 0; i < 50; i += 1 {
		assert.Equal(t, alice.Send(&protocol.FillRect{
			Layer: layer, Mode: protocol.BlendNormal, X: uint32(i), W: 1, H: 1, Color: 0xff000000 | uint32(i),
		}), nil)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, alice.Send(&protocol.UndoPoint{}), nil)

	waitFor(t, "all fills echoed", func() bool {
		return alice.Engine().Composite(49, 0, 1, 1)[0] == 0xff000031
	})
	select {
	case <-alice.Done():
		t.Fatal("client disconnected during keepalive traffic")
	default:
	}
}

func TestAdminApi(t *testing.T) {
	server, ts, auth := newTestServer(t)
	_, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)

	// no token
	resp, err := http.Get(ts.URL + "/api/status")
	assert.Equal(t, err, nil)
	resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	token, err := auth.MintAdminToken("ops", time.Minute)
	assert.Equal(t, err, nil)
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	assert.Equal(t, err, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)

	status := &statusResponse{}
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(status), nil)
	assert.Equal(t, status.Sessions, 1)

	// create a session through the api
	req, err = http.NewRequest(
		http.MethodPost,
		ts.URL+"/api/sessions",
		strings.NewReader(`{"title": "second", "founder": "ops"}`),
	)
	assert.Equal(t, err, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	assert.Equal(t, err, nil)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusCreated)

	record := &SessionRecord{}
	assert.Equal(t, json.NewDecoder(resp.Body).Decode(record), nil)
	assert.Equal(t, record.Title, "second")
	assert.NotEqual(t, server.Session(record.Id), nil)
}

func TestSessionPersistsAndResumes(t *testing.T) {
	store := openTestStore(t)
	auth := NewTokenAuth([]byte("test-secret"))

	settings := DefaultSessionServerSettings()
	settings.Session.CanvasWidth = 64
	settings.Session.CanvasHeight = 64
	settings.Session.AutosaveInterval = 0

	server := NewSessionServer(context.Background(), store, auth, settings)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	s, err := server.CreateSession("sketch", "alice")
	assert.Equal(t, err, nil)
	sessionId := s.Id()

	alice := connectUser(t, ts, auth, sessionId, "alice", true)
	layer := uint16(alice.ContextId())<<8 | 1
	assert.Equal(t, alice.Send(&protocol.LayerCreate{Id: layer, Title: "kept"}), nil)
	assert.Equal(t, alice.Send(&protocol.FillRect{
		Layer: layer, Mode: protocol.BlendNormal, W: 8, H: 8, Color: 0xff123456,
	}), nil)
	waitFor(t, "echo", func() bool {
		return alice.Engine().Composite(0, 0, 1, 1)[0] == 0xff123456
	})
	expect := s.engine.Composite(0, 0, 64, 64)

	// closing the session persists the canvas stream
	s.Close()
	waitFor(t, "session offline", func() bool {
		return server.Session(sessionId) == nil
	})

	resumed, err := server.ResumeSession(sessionId)
	assert.Equal(t, err, nil)
	assert.Equal(t, resumed.engine.Composite(0, 0, 64, 64), expect)
	resumed.Close()
	server.Close()
}
