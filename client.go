package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/civkit/civkitd/wire"
)

// maxSubscriptions bounds the per-client subscription set (spec.md §3).
const maxSubscriptions = 100

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// closeSentinel is queued on a client's outbound channel to request that
// the writer pump close the underlying socket once every frame queued
// ahead of it has been flushed.
type closeSentinel struct{}

// subscription is one client's open REQ: its filters and the external
// subscription id used to frame EVENT/EOSE replies.
type subscription struct {
	subID   string
	filters []wire.Filter
}

// client is one connected socket's handler: a reader goroutine parsing
// inbound wire frames and a writer goroutine serializing outbound ones,
// matching the teacher's per-connection read/write pump split.
type client struct {
	id         int64
	remoteAddr string
	conn       *websocket.Conn
	srv        *server

	// outbound is the unbounded, concurrent-safe FIFO backing this
	// client's write side (spec.md §5's per-edge MPSC queue): dispatch
	// from any goroutine never blocks on a slow reader.
	outbound *queue.ConcurrentQueue

	mu          sync.Mutex
	subs        map[string]*subscription
	boundAuthor bool // set once author_pubkey has been persisted for this session

	closeOnce sync.Once
}

// newClient constructs a client bound to an already-upgraded socket.
func newClient(id int64, remoteAddr string, conn *websocket.Conn, srv *server) *client {
	c := &client{
		id:         id,
		remoteAddr: remoteAddr,
		conn:       conn,
		srv:        srv,
		outbound:   queue.NewConcurrentQueue(64),
		subs:       make(map[string]*subscription),
	}
	c.outbound.Start()
	return c
}

// run drives the client's lifetime: it starts the writer pump and blocks
// in the reader loop until reading from the socket fails (including a
// close). Frames that fail to parse are dropped and do not end the loop.
func (c *client) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump()

	c.requestClose()
	<-writerDone
}

func (c *client) readPump() {
	defer c.conn.Close()

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

		msg, err := wire.ParseClientMessage(raw)
		if err != nil {
			// Malformed frame: log and drop without closing the socket,
			// per the relay's error handling policy.
			srvrLog.Debugf("client %d sent malformed frame: %v", c.id, err)
			continue
		}

		switch m := msg.(type) {
		case *wire.EventMsg:
			c.srv.acceptEvent(c, &m.Event)

		case *wire.ReqMsg:
			c.openSubscription(m.SubID, m.Filters)

		case *wire.CloseMsg:
			c.closeSubscription(m.SubID)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()
	defer c.outbound.Stop()

	for {
		select {
		case msg, ok := <-c.outbound.ChanOut():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if _, isSentinel := msg.(closeSentinel); isSentinel {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			relayMsg, ok := msg.(wire.RelayMessage)
			if !ok {
				continue
			}
			raw, err := wire.Encode(relayMsg)
			if err != nil {
				srvrLog.Errorf("encode outbound message for client %d: %v", c.id, err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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

// send enqueues a relay message for delivery. The queue is unbounded, so
// dispatch from the Fan-Out Engine never blocks on one slow reader.
func (c *client) send(m wire.RelayMessage) {
	c.outbound.ChanIn() <- m
}

// sendCredentialEvent wraps a credential protocol message in its carrier
// event shape and sends it as an EVENT frame with no subscription id,
// mirroring how the client originally published its request.
func (c *client) sendCredentialEvent(raw []byte) {
	c.send(&wire.EventMsg{
		Event: wire.Event{
			Kind: wire.KindCredential,
			Tags: []wire.Tag{{string(wire.TagCredential), wire.EncodeHex(raw)}},
		},
	})
}

// requestClose asks the writer pump to close the socket once its queue
// drains, safe to call more than once or concurrently.
func (c *client) requestClose() {
	c.closeOnce.Do(func() {
		c.outbound.ChanIn() <- closeSentinel{}
	})
}

// openSubscription registers a REQ, enforcing maxSubscriptions, then
// replays matching stored events terminated by EOSE.
func (c *client) openSubscription(subID string, filters []wire.Filter) {
	c.mu.Lock()
	if _, exists := c.subs[subID]; !exists && len(c.subs) >= maxSubscriptions {
		c.mu.Unlock()
		c.send(&wire.NoticeMsg{Message: "subscription limit reached"})
		return
	}
	c.subs[subID] = &subscription{subID: subID, filters: filters}
	c.mu.Unlock()

	c.srv.replayTo(c, subID, filters)
}

// closeSubscription removes a subscription. Closing an unknown id is a
// no-op, per spec.md §4.6.4.
func (c *client) closeSubscription(subID string) {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// markAuthorBound reports whether this is the first accepted event on c's
// session, and if so records that the caller must now bind c's
// author_pubkey (spec.md §3's Client Session invariant).
func (c *client) markAuthorBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundAuthor {
		return false
	}
	c.boundAuthor = true
	return true
}

// dispatchIfMatched sends e to every one of c's subscriptions whose
// filters match it.
func (c *client) dispatchIfMatched(e *wire.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if wire.MatchesAny(sub.filters, e) {
			c.send(&wire.EventMsg{SubID: sub.subID, Event: *e})
		}
	}
}
