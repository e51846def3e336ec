package main

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/civkit/civkitd/adminrpc"
	"github.com/civkit/civkitd/credential"
	"github.com/civkit/civkitd/eventstore"
	"github.com/civkit/civkitd/notarization"
	"github.com/civkit/civkitd/wire"
)

// maxPendingDBRequestsPerClient bounds per-client gated writes awaiting
// credential redemption. Left unenforced upstream; spec.md §9's Open
// Question calls for enforcement here to bound client-induced memory.
const maxPendingDBRequestsPerClient = 1000

var eventsWrittenTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "civkitd_events_written_total",
	Help: "Number of events durably written to the event store.",
})

func init() {
	prometheus.MustRegister(eventsWrittenTotal)
}

// pendingWriteKey identifies one write gated on redemption of a specific
// service delivery.
type pendingWriteKey struct {
	clientID      int64
	deliveranceID uint64
}

// server is the Client Fan-Out Engine: it accepts socket connections,
// parses wire messages, manages subscriptions, writes accepted events to
// the store, and fans matched events back out to subscribers (spec.md
// §4.6).
type server struct {
	cfg *config

	store   *eventstore.DB
	notary  *notarization.Pipeline
	gateway *credential.Gateway

	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[int64]*client
	nextClient int64

	pendingMu sync.Mutex
	pending   map[pendingWriteKey]*wire.Event

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

// newServer constructs the server. It does not begin accepting
// connections until Start is called.
func newServer(cfg *config, store *eventstore.DB, notary *notarization.Pipeline,
	gateway *credential.Gateway) *server {

	return &server{
		cfg:      cfg,
		store:    store,
		notary:   notary,
		gateway:  gateway,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[int64]*client),
		pending:  make(map[pendingWriteKey]*wire.Event),
		quit:     make(chan struct{}),
	}
}

// Start launches the WebSocket listener on the configured nostr port.
func (s *server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Civkitd.NostrPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		srvrLog.Infof("fan-out engine listening on %s", addr)
		_ = http.Serve(ln, mux)
	}()
	return nil
}

// Stop signals every connected client to close and waits for the listener
// and all client goroutines to exit.
func (s *server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.requestClose()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srvrLog.Errorf("websocket upgrade failed: %v", err)
		return
	}

	clientID := atomic.AddInt64(&s.nextClient, 1)
	c := newClient(clientID, r.RemoteAddr, conn, s)

	s.mu.Lock()
	s.clients[clientID] = c
	s.mu.Unlock()

	if err := s.store.WriteClient(&eventstore.ClientSession{
		ClientID:   clientID,
		RemoteAddr: r.RemoteAddr,
	}); err != nil {
		srvrLog.Errorf("unable to persist client session %d: %v", clientID, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.removeClient(clientID)
		c.run()
	}()
}

func (s *server) removeClient(clientID int64) {
	s.mu.Lock()
	delete(s.clients, clientID)
	s.mu.Unlock()

	s.pendingMu.Lock()
	for k := range s.pending {
		if k.clientID == clientID {
			delete(s.pending, k)
		}
	}
	s.pendingMu.Unlock()
}

// acceptEvent runs the event acceptance path of spec.md §4.6.3 for e
// arriving from client c.
func (s *server) acceptEvent(c *client, e *wire.Event) {
	if err := e.Verify(); err != nil {
		srvrLog.Debugf("dropping unverifiable event from client %d: %v", c.id, err)
		return
	}

	if c.markAuthorBound() {
		if err := s.store.WriteClient(&eventstore.ClientSession{
			ClientID:     c.id,
			RemoteAddr:   c.remoteAddr,
			AuthorPubKey: e.PubKey,
		}); err != nil {
			srvrLog.Errorf("unable to bind author pubkey for client %d: %v", c.id, err)
		}
	}

	if e.IsCredentialCarrier() {
		s.handleCredentialEvent(c, e)
		return
	}

	if e.Kind.IsEphemeral() {
		s.dispatch(e)
		return
	}

	if s.cfg.SpamProtection.RequireCredentials {
		deliveranceID, ok := e.DeliveranceID()
		if !ok {
			c.send(&wire.NoticeMsg{Message: "credentials required to publish this event"})
			return
		}
		if !s.registerPendingWrite(c, deliveranceID, e) {
			c.send(&wire.OkMsg{EventID: e.ID, Ok: false, Message: "pending write quota exceeded"})
		}
		return
	}

	s.writeAndDispatch(c, e)
}

// writeAndDispatch performs the replaceable-kind supersession check, then
// commits e to the store under the notarization pipeline's next cumulative
// hash, and fans it out to matching subscribers.
func (s *server) writeAndDispatch(c *client, e *wire.Event) {
	var replaced []string
	if e.Kind.IsReplaceable() {
		id, shouldReplace, err := s.store.FindReplaceTarget(e)
		if err != nil {
			srvrLog.Errorf("replace-target lookup failed for %s: %v", e.ID, err)
			c.send(&wire.OkMsg{EventID: e.ID, Ok: false, Message: "internal error"})
			return
		}
		if id != "" && !shouldReplace {
			// A newer event already occupies the slot; silently drop.
			return
		}
		if shouldReplace {
			replaced = []string{id}
		}
	}

	cumulativeHash, err := s.notary.AdvanceCumulativeHash(e.ID)
	if err != nil {
		srvrLog.Errorf("cumulative hash advance failed for %s: %v", e.ID, err)
		c.send(&wire.OkMsg{EventID: e.ID, Ok: false, Message: "internal error"})
		return
	}

	wrote, err := s.store.WriteEvent(e, cumulativeHash, replaced)
	if err != nil {
		srvrLog.Errorf("write_event failed for %s: %v", e.ID, err)
		c.send(&wire.OkMsg{EventID: e.ID, Ok: false, Message: "storage error"})
		return
	}
	if !wrote {
		c.send(&wire.OkMsg{EventID: e.ID, Ok: true})
		return
	}

	eventsWrittenTotal.Inc()
	c.send(&wire.OkMsg{EventID: e.ID, Ok: true})
	s.dispatch(e)
}

// dispatch enqueues e onto every currently open subscription whose filter
// matches, across every connected client (spec.md §4.6.4).
func (s *server) dispatch(e *wire.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.dispatchIfMatched(e)
	}
}

// handleCredentialEvent routes a credential-tagged event to the Credential
// Gateway. Credential-carrier events are never persisted (spec.md §4.6.3
// step 1).
func (s *server) handleCredentialEvent(c *client, e *wire.Event) {
	payloadHex, ok := e.CredentialTag()
	if !ok {
		return
	}
	raw, err := wire.DecodeHex(payloadHex)
	if err != nil {
		srvrLog.Debugf("bad credential hex from client %d: %v", c.id, err)
		return
	}
	if len(raw) < 1 {
		return
	}

	switch wire.CredentialVariant(raw[0]) {
	case wire.VariantAuthReq:
		s.handleIssuance(c, raw)
	case wire.VariantDeliveranceReq:
		s.handleRedemption(c, raw)
	default:
		srvrLog.Debugf("unexpected credential variant from client %d", c.id)
	}
}

func (s *server) handleIssuance(c *client, raw []byte) {
	_, payload, err := wire.DecodeAuthReq(raw)
	if err != nil {
		srvrLog.Debugf("bad AuthReq from client %d: %v", c.id, err)
		return
	}

	req, err := s.gateway.BeginIssuance(c.id, payload)
	if err != nil {
		// Batch-size policy rejection: log and drop, no response sent.
		srvrLog.Warnf("issuance rejected for client %d: %v", c.id, err)
		return
	}

	result, ok, err := s.gateway.CheckProof(req)
	if err != nil {
		srvrLog.Errorf("issuance proof check errored for client %d: %v", c.id, err)
		return
	}
	if !ok {
		// Invalid proof: silently dropped, per spec.md §4.5.1 step 3.
		return
	}

	encoded, err := wire.EncodeAuthResult(result)
	if err != nil {
		srvrLog.Errorf("encode AuthResult failed: %v", err)
		return
	}
	c.sendCredentialEvent(encoded)
}

func (s *server) handleRedemption(c *client, raw []byte) {
	req, err := wire.DecodeDeliveranceReq(raw)
	if err != nil {
		srvrLog.Debugf("bad DeliveranceReq from client %d: %v", c.id, err)
		return
	}

	ok, err := s.gateway.VerifyRedemption(req)
	if err != nil {
		srvrLog.Warnf("redemption for client %d errored: %v", c.id, err)
		ok = false
	}

	encoded, err := wire.EncodeDeliveranceResult(&wire.ServiceDeliveranceResult{
		ServiceID: req.ServiceID,
		Ok:        ok,
	})
	if err != nil {
		srvrLog.Errorf("encode DeliveranceResult failed: %v", err)
		return
	}
	c.sendCredentialEvent(encoded)

	if ok {
		s.releasePendingWrite(c, req.ServiceID)
	}
}

// registerPendingWrite queues a write gated on redemption of
// deliveranceID, enforcing maxPendingDBRequestsPerClient. It reports false
// if the client's pending-write quota is exhausted.
func (s *server) registerPendingWrite(c *client, deliveranceID uint64, e *wire.Event) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	count := 0
	for k := range s.pending {
		if k.clientID == c.id {
			count++
		}
	}
	if count >= maxPendingDBRequestsPerClient {
		return false
	}

	s.pending[pendingWriteKey{clientID: c.id, deliveranceID: deliveranceID}] = e
	return true
}

func (s *server) releasePendingWrite(c *client, deliveranceID uint64) {
	s.pendingMu.Lock()
	key := pendingWriteKey{clientID: c.id, deliveranceID: deliveranceID}
	e, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	if ok {
		s.writeAndDispatch(c, e)
	}
}

// broadcast sends m to every currently connected client, independent of
// subscription filters -- used for relay-wide NOTICE announcements.
func (s *server) broadcast(m wire.RelayMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.send(m)
	}
}

// PublishAdminEvent injects an already-built, already-signed event from the
// Admin Facade as though it had arrived from a connected client, feeding
// the same acceptance path a socket-originated EVENT frame would.
func (s *server) PublishAdminEvent(e *wire.Event) {
	s.adminEvent(e)
}

func (s *server) adminEvent(e *wire.Event) {
	if err := e.Verify(); err != nil {
		srvrLog.Errorf("admin-injected event failed verification: %v", err)
		return
	}
	if e.Kind.IsEphemeral() {
		s.dispatch(e)
		return
	}

	var replaced []string
	if e.Kind.IsReplaceable() {
		if id, shouldReplace, err := s.store.FindReplaceTarget(e); err == nil && shouldReplace {
			replaced = []string{id}
		}
	}
	cumulativeHash, err := s.notary.AdvanceCumulativeHash(e.ID)
	if err != nil {
		srvrLog.Errorf("cumulative hash advance failed for admin event %s: %v", e.ID, err)
		return
	}
	if wrote, err := s.store.WriteEvent(e, cumulativeHash, replaced); err != nil {
		srvrLog.Errorf("write_event failed for admin event %s: %v", e.ID, err)
		return
	} else if wrote {
		eventsWrittenTotal.Inc()
		s.dispatch(e)
	}
}

// ListConnections returns a snapshot of every connected client, for the
// Admin Facade's ListClients RPC.
func (s *server) ListConnections() []adminrpc.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]adminrpc.ConnectionInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, adminrpc.ConnectionInfo{
			ClientID:   c.id,
			RemoteAddr: c.remoteAddr,
		})
	}
	return out
}

// ListSubscriptions returns the subscription ids open on clientID, for the
// Admin Facade's ListSubscriptions RPC.
func (s *server) ListSubscriptions(clientID int64) []string {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// Disconnect closes clientID's socket, reporting whether it was connected.
func (s *server) Disconnect(clientID int64) bool {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.requestClose()
	return true
}

// replayTo streams every stored event matching filters to c, terminated by
// an EOSE (spec.md §4.6.4's REQ handling).
func (s *server) replayTo(c *client, subID string, filters []wire.Filter) {
	seen := make(map[string]bool)
	for i := range filters {
		events, err := s.store.QueryEvents(&filters[i])
		if err != nil {
			srvrLog.Errorf("replay query failed for client %d: %v", c.id, err)
			continue
		}
		for _, se := range events {
			if seen[se.Event.ID] {
				continue
			}
			seen[se.Event.ID] = true
			c.send(&wire.EventMsg{SubID: subID, Event: se.Event})
		}
	}
	c.send(&wire.EoseMsg{SubID: subID})
}
