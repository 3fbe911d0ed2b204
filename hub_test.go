package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomRoomCodeShape(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 200; i++ {
		code := randomRoomCode()
		require.Len(t, code, roomCodeLength)
		for _, c := range code {
			assert.Contains(t, roomCodeAlphabet, string(c))
		}
		seen[code] = true
	}

	assert.Greater(t, len(seen), 150, "codes should be well spread")
}

func TestGameManagerRegistry(t *testing.T) {
	cfg := &Config{revealDelay: time.Minute, gameOverDelay: time.Minute}
	gm := newGameManager(cfg, &scriptedQuestions{next: rankedQuestion("q")})

	hub := gm.create()
	defer hub.stop()

	found, ok := gm.lookup(strings.ToLower(hub.code))
	require.True(t, ok, "lookup must be case-insensitive")
	assert.Same(t, hub, found)

	gm.remove(hub.code)
	_, ok = gm.lookup(hub.code)
	assert.False(t, ok)
}

func newGameTestServer(t *testing.T) (*httptest.Server, *GameManager) {
	t.Helper()
	cfg := &Config{revealDelay: time.Minute, gameOverDelay: time.Minute}
	gm := newGameManager(cfg, &scriptedQuestions{next: rankedQuestion("test prompt")})

	mux := httprouter.New()
	registerGame(cfg, gm, mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gm
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestCreateAndJoinOverWebSocket(t *testing.T) {
	srv, gm := newGameTestServer(t)

	host := dialWS(t, srv)
	require.NoError(t, host.WriteJSON(ClientMessage{Type: "create_game", Username: "ana"}))

	created := readMessage(t, host)
	require.Equal(t, "game_created", created["type"])
	code, _ := created["room_code"].(string)
	require.Len(t, code, roomCodeLength)

	state := readMessage(t, host)
	require.Equal(t, "game_state_update", state["type"])
	assert.Equal(t, "LOBBY", state["phase"])
	assert.Len(t, state["players"], 1)

	guest := dialWS(t, srv)
	require.NoError(t, guest.WriteJSON(ClientMessage{Type: "join_game", RoomCode: strings.ToLower(code), Username: "ben"}))

	joined := readMessage(t, guest)
	require.Equal(t, "join_success", joined["type"])
	assert.Equal(t, code, joined["room_code"])

	state = readMessage(t, guest)
	require.Equal(t, "game_state_update", state["type"])
	assert.Len(t, state["players"], 2)

	_, ok := gm.lookup(code)
	assert.True(t, ok)
}

func TestJoinUnknownRoom(t *testing.T) {
	srv, _ := newGameTestServer(t)

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "join_game", RoomCode: "XXXX", Username: "ana"}))

	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, msgRoomNotFound, msg["message"])
}

func TestRoomRejectsFifthPlayer(t *testing.T) {
	srv, _ := newGameTestServer(t)

	host := dialWS(t, srv)
	require.NoError(t, host.WriteJSON(ClientMessage{Type: "create_game", Username: "ana"}))
	created := readMessage(t, host)
	code, _ := created["room_code"].(string)
	require.NotEmpty(t, code)

	for _, name := range []string{"ben", "cal", "dee"} {
		guest := dialWS(t, srv)
		require.NoError(t, guest.WriteJSON(ClientMessage{Type: "join_game", RoomCode: code, Username: name}))
		msg := readMessage(t, guest)
		require.Equal(t, "join_success", msg["type"])
	}

	fifth := dialWS(t, srv)
	require.NoError(t, fifth.WriteJSON(ClientMessage{Type: "join_game", RoomCode: code, Username: "eve"}))
	msg := readMessage(t, fifth)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, msgRoomFull, msg["message"])
}

func TestQRHandler(t *testing.T) {
	srv, gm := newGameTestServer(t)

	hub := gm.create()
	defer hub.stop()

	resp, err := http.Get(srv.URL + "/qr/" + strings.ToLower(hub.code))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(srv.URL + "/qr/ZZZZ")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
