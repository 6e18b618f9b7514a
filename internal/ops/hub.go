package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/chainsettle/internal/chain"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// FeedMessage is one frame on the event feed.
type FeedMessage struct {
	Kind  string            `json:"kind"`
	Match *chain.MatchEvent `json:"match,omitempty"`
	Burn  *burnFrame        `json:"burn,omitempty"`
}

type burnFrame struct {
	Chain       chain.Type          `json:"chain"`
	Type        chain.BurnEventType `json:"type"`
	MatchID     string              `json:"match_id"`
	Participant string              `json:"participant"`
	Amount      string              `json:"amount"`
	Timestamp   time.Time           `json:"timestamp"`
	BlockNumber uint64              `json:"block_or_version_number"`
	TxID        string              `json:"tx_id"`
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub broadcasts ledger events to websocket subscribers. It implements
// settlement.EventSink. Slow clients drop frames instead of blocking the sender.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[uuid.UUID]*wsClient),
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) MatchEvent(_ context.Context, ev chain.MatchEvent) {
	h.broadcast(FeedMessage{Kind: "match", Match: &ev})
}

func (h *Hub) BurnEvent(_ context.Context, ev chain.BurnEvent) {
	frame := &burnFrame{
		Chain:       ev.Chain,
		Type:        ev.Type,
		MatchID:     ev.MatchID.Hex(),
		Participant: ev.Participant,
		Amount:      "0",
		Timestamp:   ev.Timestamp,
		BlockNumber: ev.BlockNumber,
		TxID:        ev.TxID,
	}
	if ev.Amount != nil {
		frame.Amount = ev.Amount.String()
	}
	h.broadcast(FeedMessage{Kind: "burn", Burn: frame})
}

func (h *Hub) broadcast(msg FeedMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode feed message", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping feed frame for slow client", zap.Stringer("client", c.id))
		}
	}
}

// Serve upgrades the request and streams events until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.readPump(c)
	go h.writePump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		c.conn.Close()
	}
}
