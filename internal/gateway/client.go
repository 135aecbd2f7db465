package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"geostream/internal/query"
	"geostream/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound queue size per connection.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is the middleman between one websocket connection and its live
// queries.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan BaseMessage

	mu            sync.Mutex
	authed        bool
	subscriptions map[string]*clientSub
}

type clientSub struct {
	q    *query.GeoQuery
	regs []*query.Registration
}

// serveWs upgrades the request and starts the connection pumps. A valid
// Authorization bearer header authenticates the connection up front.
func serveWs(s *Server, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		server:        s,
		conn:          conn,
		send:          make(chan BaseMessage, sendBuffer),
		subscriptions: make(map[string]*clientSub),
	}
	if token := bearerToken(r); token != "" && s.auth.Verify(token) == nil {
		c.authed = true
	}

	go c.writePump()
	go c.readPump()
}

// readPump reads messages until the connection drops, then cancels every
// subscription of the connection.
func (c *client) readPump() {
	defer func() {
		c.cancelAll()
		c.conn.Close()
		close(c.send)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: websocket closed unexpectedly", "error", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(errorMessage("", "bad_message", "malformed message"))
			continue
		}
		c.handleMessage(msg)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue queues an outbound message, dropping it when the client cannot
// keep up.
func (c *client) enqueue(msg BaseMessage) {
	defer func() {
		// The send channel closes when the reader exits; a late event from
		// a query callback is dropped rather than crashing the pump.
		recover()
	}()
	select {
	case c.send <- msg:
	default:
		slog.Warn("gateway: dropping message, client too slow", "type", msg.Type)
	}
}

func (c *client) handleMessage(msg BaseMessage) {
	switch msg.Type {
	case TypeAuth:
		c.handleAuth(msg)
	case TypeSubscribe:
		c.handleSubscribe(msg)
	case TypeUpdate:
		c.handleUpdate(msg)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.enqueue(errorMessage(msg.ID, "unknown_type", "unknown message type "+msg.Type))
	}
}

func (c *client) handleAuth(msg BaseMessage) {
	var payload AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_payload", "malformed auth payload"))
		return
	}
	if err := c.server.auth.Verify(payload.Token); err != nil {
		c.enqueue(errorMessage(msg.ID, "unauthorized", "token rejected"))
		return
	}
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeAuthAck})
}

func (c *client) authorized() bool {
	if !c.server.auth.Enabled() {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *client) handleSubscribe(msg BaseMessage) {
	if !c.authorized() {
		c.enqueue(errorMessage(msg.ID, "unauthorized", "authenticate first"))
		return
	}

	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_payload", "malformed subscribe payload"))
		return
	}

	q, err := c.server.index.Query(payload.Criteria)
	if err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_criteria", err.Error()))
		return
	}

	subID := msg.ID
	if subID == "" {
		subID = uuid.NewString()
	}

	// Ack before the listeners attach: the membership replay and the ready
	// barrier follow the ack on the wire.
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeSubscribeAck,
		Payload: mustMarshal(ReadyPayload{SubID: subID})})

	sub := &clientSub{q: q}
	for _, evt := range []model.EventType{model.EventKeyEntered, model.EventKeyExited, model.EventKeyMoved} {
		evt := evt
		reg, err := q.On(evt, func(ev model.KeyEvent) {
			c.enqueue(BaseMessage{
				Type:    TypeEvent,
				Payload: mustMarshal(EventPayload{SubID: subID, Type: evt, KeyEvent: ev}),
			})
		})
		if err != nil {
			q.Cancel()
			c.enqueue(errorMessage(msg.ID, "internal", err.Error()))
			return
		}
		sub.regs = append(sub.regs, reg)
	}
	reg, err := q.On(model.EventReady, func(model.KeyEvent) {
		c.enqueue(BaseMessage{
			Type:    TypeReady,
			Payload: mustMarshal(ReadyPayload{SubID: subID}),
		})
	})
	if err != nil {
		q.Cancel()
		c.enqueue(errorMessage(msg.ID, "internal", err.Error()))
		return
	}
	sub.regs = append(sub.regs, reg)

	c.mu.Lock()
	if old := c.subscriptions[subID]; old != nil {
		old.q.Cancel()
	}
	c.subscriptions[subID] = sub
	c.mu.Unlock()
}

func (c *client) handleUpdate(msg BaseMessage) {
	var payload UpdatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_payload", "malformed update payload"))
		return
	}

	c.mu.Lock()
	sub := c.subscriptions[payload.SubID]
	c.mu.Unlock()
	if sub == nil {
		c.enqueue(errorMessage(msg.ID, "unknown_subscription", "no subscription "+payload.SubID))
		return
	}

	if err := sub.q.UpdateCriteria(payload.Criteria); err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_criteria", err.Error()))
		return
	}
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeUpdateAck})
}

func (c *client) handleUnsubscribe(msg BaseMessage) {
	var payload UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.enqueue(errorMessage(msg.ID, "bad_payload", "malformed unsubscribe payload"))
		return
	}

	c.mu.Lock()
	sub := c.subscriptions[payload.SubID]
	delete(c.subscriptions, payload.SubID)
	c.mu.Unlock()

	if sub != nil {
		sub.q.Cancel()
	}
	c.enqueue(BaseMessage{ID: msg.ID, Type: TypeUnsubscribeAck})
}

func (c *client) cancelAll() {
	c.mu.Lock()
	subs := c.subscriptions
	c.subscriptions = make(map[string]*clientSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.q.Cancel()
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
