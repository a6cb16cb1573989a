package ws

import (
	"encoding/json"
	"log"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/rooms"
	"sperm-odyssey/server/internal/sim/tuning"
)

func testServer(t *testing.T) (*httptest.Server, *rooms.Manager) {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	cfg := tuning.Defaults()
	cfg.CountdownMs = 100
	mgr := rooms.NewManager(logger, cfg, rooms.Hooks{})
	ts := httptest.NewServer(NewServer(logger, mgr))
	t.Cleanup(func() {
		ts.Close()
		mgr.CloseAll()
	})
	return ts, mgr
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// nextJSON reads frames until a JSON message of the wanted type arrives.
func nextJSON(t *testing.T, c *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.SetReadDeadline(deadline)
		kind, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", wantType, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad json frame: %v", err)
		}
		if m["type"] == wantType {
			return m
		}
	}
	t.Fatalf("never received %q", wantType)
	return nil
}

// nextBinary reads frames until a binary snapshot arrives.
func nextBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.SetReadDeadline(deadline)
		kind, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for snapshot: %v", err)
		}
		if kind == websocket.BinaryMessage {
			return raw
		}
	}
	t.Fatal("never received a binary snapshot")
	return nil
}

func TestJoinRaceSnapshotFlow(t *testing.T) {
	ts, _ := testServer(t)
	c := dial(t, ts)

	if err := c.WriteJSON(map[string]any{"type": "joinRoom", "name": "tester", "room": "itest"}); err != nil {
		t.Fatalf("send join: %v", err)
	}
	joined := nextJSON(t, c, protocol.TypeJoined)
	if joined["roomId"] != "itest" || joined["playerId"] != float64(1) {
		t.Fatalf("joined: %+v", joined)
	}
	lobby := nextJSON(t, c, protocol.TypeLobby)
	if lobby["isHost"] != true {
		t.Fatalf("first joiner not host: %+v", lobby)
	}

	if err := c.WriteJSON(map[string]any{"type": "startRace", "room": "itest"}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	nextJSON(t, c, protocol.TypeCountdown)
	nextJSON(t, c, protocol.TypeStart)

	snap, err := protocol.DecodeSnapshot(nextBinary(t, c))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Viewer != 1 || len(snap.Entities) != 1 {
		t.Fatalf("snapshot: viewer=%d entities=%d", snap.Viewer, len(snap.Entities))
	}

	// Feed inputs ahead of the server tick; the next snapshot still flows.
	tick := int64(snap.ServerTick)
	frames := []map[string]any{
		{"t": tick + 5, "u": true, "d": false, "l": false, "r": false, "ha": false},
		{"t": tick + 6, "u": true, "d": false, "l": false, "r": false, "ha": true},
	}
	if err := c.WriteJSON(map[string]any{"type": "inputs", "frames": frames}); err != nil {
		t.Fatalf("send inputs: %v", err)
	}
	if _, err := protocol.DecodeSnapshot(nextBinary(t, c)); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
}

func TestSpectateRunningRoom(t *testing.T) {
	ts, _ := testServer(t)

	racer := dial(t, ts)
	if err := racer.WriteJSON(map[string]any{"type": "joinRoom", "name": "racer", "room": "watch"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	nextJSON(t, racer, protocol.TypeJoined)
	if err := racer.WriteJSON(map[string]any{"type": "startRace", "room": "watch"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	nextJSON(t, racer, protocol.TypeStart)

	watcher := dial(t, ts)
	if err := watcher.WriteJSON(map[string]any{"type": "spectate", "room": "watch"}); err != nil {
		t.Fatalf("spectate: %v", err)
	}
	nextJSON(t, watcher, protocol.TypeSpectating)
	snap, err := protocol.DecodeSnapshot(nextBinary(t, watcher))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Viewer != protocol.SpectatorViewer {
		t.Fatalf("spectator viewer = %d", snap.Viewer)
	}
}

func TestSpectateUnknownRoom(t *testing.T) {
	ts, _ := testServer(t)
	c := dial(t, ts)
	if err := c.WriteJSON(map[string]any{"type": "spectate", "room": "nope"}); err != nil {
		t.Fatalf("spectate: %v", err)
	}
	e := nextJSON(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrUnknownRoom {
		t.Fatalf("error: %+v", e)
	}
}

func TestHandshakeRejectsGarbage(t *testing.T) {
	ts, _ := testServer(t)
	c := dial(t, ts)
	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := nextJSON(t, c, protocol.TypeError)
	if e["code"] != protocol.ErrJoinInvalid {
		t.Fatalf("error: %+v", e)
	}
}
