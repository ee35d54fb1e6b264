package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the observer cap is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn  *websocket.Conn
	b     *Broadcaster
	send  chan []byte
	owner string

	// sub is guarded by b.mu.
	sub Subscription
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session events out to observers according to each
// observer's Subscription. It implements session.EventSink; those methods
// never block.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	bufSize  int

	// sessions is the latest list seen from the manager.
	sessions []session.Summary

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once
}

// NewBroadcaster starts the periodic snapshot loop. maxConns of 0 means
// unlimited.
func NewBroadcaster(bufSize int, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	if snapshotInterval <= 0 {
		snapshotInterval = 30 * time.Second
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		maxConns:       maxConns,
		bufSize:        bufSize,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stop:           make(chan struct{}),
	}
	go b.snapshotLoop()
	return b
}

// Stop ends the snapshot loop and disconnects every observer.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.snapshotTicker.Stop()
		close(b.stop)
		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

// AddClient registers conn for owner and queues greeting, followed by the
// full session list.
func (b *Broadcaster) AddClient(conn *websocket.Conn, owner string, greeting ...WSMessage) (*client, error) {
	c := &client{
		conn:  conn,
		b:     b,
		send:  make(chan []byte, b.bufSize),
		owner: owner,
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	list := b.sessions
	b.mu.Unlock()

	for _, msg := range greeting {
		b.sendTo(c, msg)
	}
	b.sendTo(c, WSMessage{Type: MsgSessions, Payload: SessionsPayload{Sessions: nonNil(list)}})

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Subscribe replaces c's subscription.
func (b *Broadcaster) Subscribe(c *client, p SubscribePayload) {
	b.mu.Lock()
	c.sub.Replace(p)
	b.mu.Unlock()
}

// Follow adds id to c's subscription.
func (b *Broadcaster) Follow(c *client, id string) {
	b.mu.Lock()
	c.sub.Add(id)
	b.mu.Unlock()
}

// SessionsChanged sends the full list to observers following affected.
func (b *Broadcaster) SessionsChanged(list []session.Summary, affected string) {
	b.mu.Lock()
	b.sessions = list
	b.mu.Unlock()

	b.publish(WSMessage{Type: MsgSessions, Payload: SessionsPayload{Sessions: nonNil(list)}}, func(c *client) bool {
		return c.sub.Matches(affected)
	})
}

func (b *Broadcaster) LogAppended(id string, entry eventlog.Entry) {
	b.publish(WSMessage{Type: MsgLog, Payload: LogPayload{AccountID: id, Entry: entry}}, func(c *client) bool {
		return c.sub.Matches(id)
	})
}

// DeviceCode goes to observers of the session and to every observer of the
// session's owner, so the person who started it sees the prompt.
func (b *Broadcaster) DeviceCode(id, owner string, code protocol.DeviceCode) {
	b.publish(WSMessage{Type: MsgDeviceCode, Payload: DeviceCodePayload{AccountID: id, DeviceCode: code}}, func(c *client) bool {
		return c.sub.Matches(id) || (owner != "" && c.owner == owner)
	})
}

// SendToOwner delivers msg to every observer connected as owner.
func (b *Broadcaster) SendToOwner(owner string, msg WSMessage) {
	b.publish(msg, func(c *client) bool { return c.owner == owner })
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.snapshot()
		}
	}
}

// snapshot sends each subscribed observer the part of the list it follows.
func (b *Broadcaster) snapshot() {
	b.mu.RLock()
	list := b.sessions
	type target struct {
		c    *client
		list []session.Summary
	}
	var targets []target
	for c := range b.clients {
		if c.sub.Empty() {
			continue
		}
		if c.sub.All() {
			targets = append(targets, target{c, list})
			continue
		}
		var mine []session.Summary
		for _, s := range list {
			if c.sub.Matches(s.ID) {
				mine = append(mine, s)
			}
		}
		targets = append(targets, target{c, mine})
	}
	b.mu.RUnlock()

	for _, t := range targets {
		b.sendTo(t.c, WSMessage{Type: MsgSessions, Payload: SessionsPayload{Sessions: nonNil(t.list)}})
	}
}

func (b *Broadcaster) publish(msg WSMessage, match func(*client) bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		if match(c) {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.enqueue(c, data)
	}
}

// sendTo marshals msg for a single observer.
func (b *Broadcaster) sendTo(c *client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}
	b.enqueue(c, data)
}

// enqueue never blocks. An observer whose buffer is full is disconnected.
// The send happens under the read lock so it cannot race RemoveClient's close.
func (b *Broadcaster) enqueue(c *client, data []byte) {
	b.mu.RLock()
	if !b.clients[c] {
		b.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		b.mu.RUnlock()
	default:
		b.mu.RUnlock()
		log.Printf("ws client %s too slow, disconnecting", c.conn.RemoteAddr())
		b.RemoveClient(c)
	}
}

func nonNil(list []session.Summary) []session.Summary {
	if list == nil {
		return []session.Summary{}
	}
	return list
}
