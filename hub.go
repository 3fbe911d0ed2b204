package main

import (
	"crypto/rand"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type     string `json:"type"`                // "create_game", "join_game", "join_team", "start_game", "player_action", "play_again"
	Username string `json:"username,omitempty"`  // create_game / join_game
	RoomCode string `json:"room_code,omitempty"` // join_game
	TeamID   string `json:"team_id,omitempty"`   // join_team
	Payload  string `json:"payload,omitempty"`   // player_action: an answer text
}

type GameCreatedMessage struct {
	Type     string `json:"type"` // "game_created"
	RoomCode string `json:"room_code"`
}

type JoinSuccessMessage struct {
	Type     string `json:"type"` // "join_success"
	RoomCode string `json:"room_code"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
	hub      *Hub // set by readPump once the client enters a room
}

type joinRequest struct {
	client   *Client
	username string
	created  bool       // true when this join also created the room
	result   chan error // rakaoran-style reply so the caller can surface failures
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

// Hub owns one room: its websocket clients and its Game. The run loop
// is the only goroutine that touches the Game, which is the per-room
// serialization boundary.
type Hub struct {
	code    string
	cfg     *Config
	manager *GameManager
	game    *Game

	joins   chan joinRequest
	unreg   chan *Client
	actions chan actionRequest
	timers  chan func()
	quit    chan struct{}
	done    chan struct{}

	stopOnce sync.Once

	mu         sync.RWMutex
	clients    map[*Client]bool
	lastActive time.Time
}

func newHub(cfg *Config, manager *GameManager, code string, bank questionSource) *Hub {
	h := &Hub{
		code:       code,
		cfg:        cfg,
		manager:    manager,
		joins:      make(chan joinRequest),
		unreg:      make(chan *Client),
		actions:    make(chan actionRequest, 8),
		timers:     make(chan func(), 8),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		lastActive: time.Now(),
	}
	h.game = newGame(code, h, bank, h.schedule, cfg.revealDelay, cfg.gameOverDelay)
	return h
}

func (h *Hub) run() {
	defer func() {
		close(h.done)
		h.manager.remove(h.code)

		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()

		logf(h.cfg, "GAMES: Closed room %s", h.code)
	}()

	for {
		select {
		case jr := <-h.joins:
			h.touch()
			jr.result <- h.addClient(jr)

		case c := <-h.unreg:
			h.touch()
			if h.dropClient(c) {
				return
			}

		case ar := <-h.actions:
			h.touch()
			h.dispatch(ar)

		case fn := <-h.timers:
			fn()

		case <-h.quit:
			return
		}
	}
}

// stop asks the run loop to exit. Safe to call more than once.
func (h *Hub) stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}

// schedule hands a timer callback back to the run loop, keeping the
// single-writer property for time-delayed transitions.
func (h *Hub) schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, func() {
		select {
		case h.timers <- fn:
		case <-h.done:
		}
	})
}

func (h *Hub) addClient(jr joinRequest) error {
	if len(h.game.players) >= maxPlayersPerRoom {
		return errors.New(msgRoomFull)
	}

	h.mu.Lock()
	h.clients[jr.client] = true
	h.mu.Unlock()

	// Ack before the roster broadcast so the client learns its room
	// first, the way the original create/join flow ordered events.
	if jr.created {
		jr.client.send <- GameCreatedMessage{Type: "game_created", RoomCode: h.code}
	} else {
		jr.client.send <- JoinSuccessMessage{Type: "join_success", RoomCode: h.code}
	}

	if err := h.game.AddPlayer(jr.client.playerID, jr.username); err != nil {
		h.mu.Lock()
		delete(h.clients, jr.client)
		h.mu.Unlock()
		return err
	}

	logf(h.cfg, "GAMES: Player %q joined %s", jr.username, h.code)
	return nil
}

// dropClient reports true when the room should shut down.
func (h *Hub) dropClient(c *Client) bool {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	switch h.game.RemovePlayer(c.playerID) {
	case removeRoomEmpty:
		return true
	case removeHostLeft:
		h.BroadcastError(msgHostLeft)
		return true
	}
	return false
}

func (h *Hub) dispatch(ar actionRequest) {
	playerID := ar.client.playerID

	switch ar.msg.Type {
	case "join_team":
		h.game.JoinTeam(playerID, ar.msg.TeamID)
	case "start_game":
		h.game.StartGame(playerID)
	case "player_action":
		h.game.HandleAction(playerID, ar.msg.Payload)
	case "play_again":
		h.game.PlayAgain(playerID)
	}
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastActive = time.Now()
	h.mu.Unlock()
}

// join runs a request/reply round trip into the run loop.
func (h *Hub) join(c *Client, username string, created bool) error {
	result := make(chan error, 1)
	select {
	case h.joins <- joinRequest{client: c, username: username, created: created, result: result}:
		return <-result
	case <-h.done:
		return errors.New(msgRoomNotFound)
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.unreg <- c:
	case <-h.done:
	}
}

func (h *Hub) enqueue(ar actionRequest) {
	select {
	case h.actions <- ar:
	case <-h.done:
	}
}

// --- gateway implementation ---

func (h *Hub) BroadcastState(msg StateMessage) {
	h.broadcast(msg)
}

func (h *Hub) BroadcastError(message string) {
	h.broadcast(ErrorMessage{Type: "error", Message: message})
}

func (h *Hub) SendError(playerID, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.playerID != playerID {
			continue
		}
		select {
		case client.send <- ErrorMessage{Type: "error", Message: message}:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			delete(h.clients, client)
			close(client.send)
		}
	}
}

// GameManager is the room registry: a set of hubs keyed by room code.
type GameManager struct {
	cfg  *Config
	bank questionSource

	mu   sync.Mutex
	hubs map[string]*Hub
}

func newGameManager(cfg *Config, bank questionSource) *GameManager {
	gm := &GameManager{
		cfg:  cfg,
		bank: bank,
		hubs: make(map[string]*Hub),
	}
	if cfg.sessionTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// Room codes skip O and 0, which read alike on a shared screen.
const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNPQRSTUVWXYZ123456789"
	roomCodeLength   = 4
)

// randomRoomCode draws uniformly from the code alphabet via rejection
// sampling over crypto/rand bytes.
func randomRoomCode() string {
	const max = byte(255 - (256 % len(roomCodeAlphabet)))

	out := make([]byte, 0, roomCodeLength)
	buf := make([]byte, roomCodeLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
				if len(out) == roomCodeLength {
					return string(out)
				}
			}
		}
	}
}

// create registers a hub under a fresh collision-free room code and
// starts its run loop.
func (gm *GameManager) create() *Hub {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	var code string
	for {
		code = randomRoomCode()
		if _, exists := gm.hubs[code]; !exists {
			break
		}
	}

	hub := newHub(gm.cfg, gm, code, gm.bank)
	gm.hubs[code] = hub
	go hub.run()

	logf(gm.cfg, "GAMES: Created room %s", code)
	return hub
}

// lookup is case-insensitive on the room code.
func (gm *GameManager) lookup(code string) (*Hub, bool) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	hub, ok := gm.hubs[strings.ToUpper(code)]
	return hub, ok
}

func (gm *GameManager) remove(code string) {
	gm.mu.Lock()
	delete(gm.hubs, code)
	gm.mu.Unlock()
}

// reaperLoop periodically shuts down rooms that have been idle longer
// than the session timeout.
func (gm *GameManager) reaperLoop() {
	ticker := time.NewTicker(gm.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.cfg.sessionTimeout)

		gm.mu.Lock()
		idle := make([]*Hub, 0, len(gm.hubs))
		for _, hub := range gm.hubs {
			hub.mu.RLock()
			last := hub.lastActive
			hub.mu.RUnlock()

			if last.Before(cutoff) {
				idle = append(idle, hub)
			}
		}
		gm.mu.Unlock()

		for _, hub := range idle {
			logf(gm.cfg, "GAMES: Reaping idle room %s", hub.code)
			hub.stop()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: uuid.NewString(),
		}

		go client.writePump()
		client.readPump(gm)
	}
}

func (c *Client) readPump(gm *GameManager) {
	defer func() {
		if c.hub != nil {
			c.hub.unregister(c)
		} else {
			close(c.send)
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create_game":
			if c.hub != nil {
				continue
			}
			hub := gm.create()
			if err := hub.join(c, msg.Username, true); err != nil {
				c.send <- ErrorMessage{Type: "error", Message: err.Error()}
				continue
			}
			c.hub = hub

		case "join_game":
			if c.hub != nil {
				continue
			}
			hub, ok := gm.lookup(msg.RoomCode)
			if !ok {
				c.send <- ErrorMessage{Type: "error", Message: msgRoomNotFound}
				continue
			}
			if err := hub.join(c, msg.Username, false); err != nil {
				c.send <- ErrorMessage{Type: "error", Message: err.Error()}
				continue
			}
			c.hub = hub

		case "join_team", "start_game", "player_action", "play_again":
			if c.hub == nil {
				continue
			}
			c.hub.enqueue(actionRequest{client: c, msg: msg})

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code pointing a phone at the join page
// for an existing room.
func qrHandler(cfg *Config, gm *GameManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		if _, ok := gm.lookup(code); !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?code=" + code

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerGame sets up the game endpoints:
//   - $prefix/ws        → WebSocket carrying all game actions
//   - $prefix/qr/:code  → PNG QR code linking to the join page
func registerGame(cfg *Config, gm *GameManager, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, gm))
	mux.GET(cfg.prefix+"/qr/:code", qrHandler(cfg, gm))
}
