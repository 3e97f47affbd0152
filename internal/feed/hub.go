// Package feed distributes engine events to WebSocket subscribers. The hub
// shards clients, keeps a bounded replay buffer per topic, and drops rather
// than blocks when a client cannot keep up.
package feed

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantfabric/fixcore/pkg/metrics"
)

// Feed topics.
const (
	TopicExecutions = "executions"
	TopicOrders     = "orders"
	TopicMarketData = "marketdata"
	TopicVenues     = "venues"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxRequestSize = 512
)

// Message is one feed frame. Data carries the payload verbatim.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages of one topic for replay.
type ringBuffer struct {
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size)}
}

func (r *ringBuffer) add(msg Message) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%len(r.buf)]
		if msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

// Client is one WebSocket subscriber.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu   sync.Mutex
	subs map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

// Config tunes the feed hub.
type Config struct {
	Shards     int
	ReplaySize int // buffered messages per topic
	SendBuffer int // per-client outbound queue
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = 256
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 128
	}
	return c
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// Hub fans feed messages out to subscribed clients.
type Hub struct {
	cfg Config
	log *zap.Logger

	shards []*hubShard

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	bufMu   sync.Mutex
	buffers map[string]*ringBuffer

	seqMu   sync.Mutex
	nextSeq uint64

	upgrader websocket.Upgrader

	done chan struct{}
	wg   sync.WaitGroup
}

// NewHub builds a feed hub. Call Start before serving connections.
func NewHub(cfg Config, log *zap.Logger) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:        cfg,
		log:        log,
		shards:     make([]*hubShard, cfg.Shards),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan Message, 4096),
		buffers:    make(map[string]*ringBuffer),
		nextSeq:    1,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	return h
}

// Start runs the hub loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop drains the hub loop and closes every client connection.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
	for _, sh := range h.shards {
		sh.mu.Lock()
		for c := range sh.clients {
			c.conn.Close()
			delete(sh.clients, c)
		}
		sh.mu.Unlock()
	}
	metrics.FeedClients.Set(0)
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			sh.clients[c] = struct{}{}
			sh.mu.Unlock()
			metrics.FeedClients.Inc()
			h.log.Debug("feed client connected", zap.String("client_id", c.id))
		case c := <-h.unregister:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			_, present := sh.clients[c]
			delete(sh.clients, c)
			sh.mu.Unlock()
			if present {
				close(c.send)
				metrics.FeedClients.Dec()
				h.log.Debug("feed client disconnected", zap.String("client_id", c.id))
			}
		case msg := <-h.broadcast:
			h.store(msg)
			h.fanOut(msg)
		}
	}
}

// Broadcast queues one payload for every subscriber of the topic. A full hub
// queue drops the message rather than delaying the caller.
func (h *Hub) Broadcast(topic string, data []byte) {
	h.seqMu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	h.seqMu.Unlock()

	msg := Message{Topic: topic, Seq: seq, Data: data}
	select {
	case h.broadcast <- msg:
	default:
		metrics.FeedMessagesDropped.Inc()
		h.log.Warn("feed broadcast queue full", zap.String("topic", topic))
	}
}

// BroadcastJSON marshals v and broadcasts it on the topic.
func (h *Hub) BroadcastJSON(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("feed payload marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.Broadcast(topic, data)
}

// Replay returns the buffered messages of a topic after the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.since(since)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	n := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		n += len(sh.clients)
		sh.mu.RUnlock()
	}
	return n
}

// ServeWS upgrades the request and runs the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, h.cfg.SendBuffer),
		hub:  h,
		subs: make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) store(msg Message) {
	h.bufMu.Lock()
	buf, ok := h.buffers[msg.Topic]
	if !ok {
		buf = newRingBuffer(h.cfg.ReplaySize)
		h.buffers[msg.Topic] = buf
	}
	buf.add(msg)
	h.bufMu.Unlock()
}

func (h *Hub) fanOut(msg Message) {
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			if !c.subscribed(msg.Topic) {
				continue
			}
			select {
			case c.send <- msg:
			default:
				metrics.FeedMessagesDropped.Inc()
				h.log.Warn("dropping feed message for slow client",
					zap.String("client_id", c.id), zap.String("topic", msg.Topic))
			}
		}
		sh.mu.RUnlock()
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// subscribeRequest is the client's control frame.
type subscribeRequest struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
	Since       uint64   `json:"since,omitempty"`
}

// readPump consumes subscription frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxRequestSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.hub.log.Debug("bad feed request", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		c.mu.Lock()
		for _, topic := range req.Subscribe {
			c.subs[topic] = struct{}{}
		}
		for _, topic := range req.Unsubscribe {
			delete(c.subs, topic)
		}
		c.mu.Unlock()

		// Replay what the client missed on each fresh subscription.
		for _, topic := range req.Subscribe {
			for _, msg := range c.hub.Replay(topic, req.Since) {
				select {
				case c.send <- msg:
				default:
					metrics.FeedMessagesDropped.Inc()
				}
			}
		}
	}
}

// writePump delivers messages and pings until the send channel closes.
func (c *Client) writePump() {
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
