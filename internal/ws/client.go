package ws

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/coderoom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBuffer     = 512

	// Disconnect after this many frames over the limit
	maxRateLimitViolations = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Limits configures the inbound guards of the transport. A non-positive
// rate disables the corresponding guard.
type Limits struct {
	MessagesPerSecond float64
	MessageBurst      int
	ConnectsPerSecond float64
	ConnectBurst      int
}

// Transport upgrades HTTP requests to websocket clients attached to a Hub.
type Transport struct {
	hub      *Hub
	limits   Limits
	connects *ratelimit.KeyedLimiters
}

func NewTransport(hub *Hub, limits Limits) *Transport {
	return &Transport{
		hub:      hub,
		limits:   limits,
		connects: ratelimit.NewKeyedLimiters(limits.ConnectsPerSecond, limits.ConnectBurst),
	}
}

// Close stops the transport's background work. Open connections are left to
// the HTTP server's shutdown.
func (t *Transport) Close() {
	t.connects.Stop()
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r.RemoteAddr)
	if !t.connects.Allow(addr) {
		log.Printf("⚠️ Connection rate limit exceeded for %s", addr)
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(t.limits.MessagesPerSecond, t.limits.MessageBurst),
	}
	client.session = t.hub.Connect(client)

	go client.writePump()
	go client.readPump(t.hub)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Client is one websocket connection. It satisfies room.Peer.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	rateLimiter *ratelimit.Limiter
	session     *Session
}

func (c *Client) ID() string {
	return c.id
}

// Send queues msg for the write pump. It never blocks; a full buffer or a
// closed client rejects the frame.
func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close signals the write pump to send a close frame and drop the socket,
// which in turn ends the read pump and the session.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.Disconnect(c.session)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("⚠️ Rate limit exceeded for client %s (warning #%d)", c.id, rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitViolations {
				log.Printf("🚫 Disconnecting client %s for excessive rate limit violations", c.id)
				return
			}
			continue
		}

		hub.Handle(c.session, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
