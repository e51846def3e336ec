// Package adminrpc implements the Admin Facade: a gRPC surface an operator
// tool uses to inject relay-native events and inspect connection,
// subscription and event-store state (spec.md §4.7). Every RPC calls the
// owning component directly and returns its result synchronously; no
// one-shot reply channel is involved. This mirrors how the teacher's own
// rpcserver.go sits in front of its peer/channel subsystem.
//
// The generated protobuf stubs for civkit.proto are an external build
// artifact, not part of this tree -- the same relationship the teacher has
// with its own unretrieved lnrpc package.
package adminrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/civkit/civkitd/adminrpc/civkitrpc"
	"github.com/civkit/civkitd/credential"
	"github.com/civkit/civkitd/eventstore"
	"github.com/civkit/civkitd/wire"
	"github.com/civkit/civkitd/zpay32"
)

// EventPublisher is the subset of the Client Fan-Out Engine the Admin
// Facade uses to inject an already-built, already-signed event as though
// it had arrived from a client.
type EventPublisher interface {
	PublishAdminEvent(e *wire.Event)
	ListConnections() []ConnectionInfo
	ListSubscriptions(clientID int64) []string
	Disconnect(clientID int64) bool
}

// ConnectionInfo describes one connected client for ListClients.
type ConnectionInfo struct {
	ClientID     int64
	RemoteAddr   string
	AuthorPubKey string
}

// ChainQuerier is the subset of the Chain Oracle Adapter the Admin Facade
// exposes directly to the operator tool.
type ChainQuerier interface {
	GetBlockchainInfo() (map[string]interface{}, error)
	GetTxInclusionProof(txid string) (string, error)
	VerifyInclusionProof(merkleBlockHex string) (bool, error)
}

// Server implements both civkitrpc.CivkitServer and
// civkitrpc.CivkitServiceServer over the relay's internal components.
type Server struct {
	civkitrpc.UnimplementedCivkitServer
	civkitrpc.UnimplementedCivkitServiceServer

	store    *eventstore.DB
	engine   EventPublisher
	oracle   ChainQuerier
	gateway  *credential.Gateway
	registry *credential.ServiceRegistry

	// signingKey signs admin-injected events (PublishTextNote et al.) under
	// the relay operator's own identity, since these did not arrive
	// pre-signed from a client socket.
	signingKey adminSigner

	// clock supplies CreatedAt for admin-injected events; injectable so
	// tests can fix a deterministic timestamp.
	clock clock.Clock

	shutdownRequested chan struct{}
}

// adminSigner signs a 32-byte event id digest, matching wire.Event's
// schnorr signing scheme.
type adminSigner interface {
	PubKeyHex() string
	Sign(digest [32]byte) (string, error)
}

// New constructs an Admin Facade server.
func New(store *eventstore.DB, engine EventPublisher, oracle ChainQuerier,
	gateway *credential.Gateway, registry *credential.ServiceRegistry,
	signer adminSigner) *Server {

	return &Server{
		store:             store,
		engine:            engine,
		oracle:            oracle,
		gateway:           gateway,
		registry:          registry,
		signingKey:        signer,
		clock:             clock.NewDefaultClock(),
		shutdownRequested: make(chan struct{}),
	}
}

// ShutdownRequested returns a channel closed once Shutdown has been
// called, for civkitd.go's main select loop to observe.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownRequested
}

func (s *Server) Ping(ctx context.Context, req *civkitrpc.PingRequest) (*civkitrpc.PingResponse, error) {
	return &civkitrpc.PingResponse{Message: "pong"}, nil
}

func (s *Server) Shutdown(ctx context.Context, req *civkitrpc.ShutdownRequest) (*civkitrpc.ShutdownResponse, error) {
	select {
	case <-s.shutdownRequested:
	default:
		close(s.shutdownRequested)
	}
	return &civkitrpc.ShutdownResponse{}, nil
}

// buildAndPublish constructs a relay-native event of kind from the admin
// key, signs it, and injects it into the Fan-Out Engine exactly as though
// it had arrived over a client socket.
func (s *Server) buildAndPublish(kind wire.Kind, content string, tags []wire.Tag) (*wire.Event, error) {
	e := &wire.Event{
		PubKey:    s.signingKey.PubKeyHex(),
		CreatedAt: s.clock.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}

	id, err := e.ComputeID()
	if err != nil {
		return nil, fmt.Errorf("compute event id: %w", err)
	}
	e.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil || len(idBytes) != 32 {
		return nil, fmt.Errorf("malformed event id")
	}
	var digest [32]byte
	copy(digest[:], idBytes)

	sig, err := s.signingKey.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	e.Sig = sig

	s.engine.PublishAdminEvent(e)
	return e, nil
}

func (s *Server) PublishTextNote(ctx context.Context, req *civkitrpc.PublishTextNoteRequest) (*civkitrpc.PublishResponse, error) {
	e, err := s.buildAndPublish(wire.KindTextNote, req.Content, nil)
	if err != nil {
		return &civkitrpc.PublishResponse{Ok: false}, err
	}
	return &civkitrpc.PublishResponse{EventId: e.ID, Ok: true}, nil
}

func (s *Server) PublishNotice(ctx context.Context, req *civkitrpc.PublishNoticeRequest) (*civkitrpc.PublishResponse, error) {
	e, err := s.buildAndPublish(wire.KindNotice, req.Message, nil)
	if err != nil {
		return &civkitrpc.PublishResponse{Ok: false}, err
	}
	return &civkitrpc.PublishResponse{EventId: e.ID, Ok: true}, nil
}

func (s *Server) PublishOffer(ctx context.Context, req *civkitrpc.PublishOfferRequest) (*civkitrpc.PublishResponse, error) {
	e, err := s.buildAndPublish(wire.KindOffer, req.Content, nil)
	if err != nil {
		return &civkitrpc.PublishResponse{Ok: false}, err
	}
	return &civkitrpc.PublishResponse{EventId: e.ID, Ok: true}, nil
}

func (s *Server) PublishInvoice(ctx context.Context, req *civkitrpc.PublishInvoiceRequest) (*civkitrpc.PublishResponse, error) {
	inv, err := zpay32.Decode(req.Bolt11)
	if err != nil {
		return &civkitrpc.PublishResponse{Ok: false}, fmt.Errorf("decode bolt11: %w", err)
	}

	tags := []wire.Tag{{string(wire.TagPaymentHash), hex.EncodeToString(inv.PaymentHash[:])}}
	if inv.MilliSat != nil {
		tags = append(tags, wire.Tag{string(wire.TagAmountMsat), strconv.FormatUint(uint64(*inv.MilliSat), 10)})
	}

	e, err := s.buildAndPublish(wire.KindInvoice, req.Bolt11, tags)
	if err != nil {
		return &civkitrpc.PublishResponse{Ok: false}, err
	}
	return &civkitrpc.PublishResponse{EventId: e.ID, Ok: true}, nil
}

func (s *Server) ListClients(ctx context.Context, req *civkitrpc.ListClientsRequest) (*civkitrpc.ListClientsResponse, error) {
	conns := s.engine.ListConnections()
	out := make([]*civkitrpc.ClientInfo, len(conns))
	for i, c := range conns {
		out[i] = &civkitrpc.ClientInfo{
			ClientId:     c.ClientID,
			RemoteAddr:   c.RemoteAddr,
			AuthorPubkey: c.AuthorPubKey,
		}
	}
	return &civkitrpc.ListClientsResponse{Clients: out}, nil
}

func (s *Server) ListSubscriptions(ctx context.Context, req *civkitrpc.ListSubscriptionsRequest) (*civkitrpc.ListSubscriptionsResponse, error) {
	subIDs := s.engine.ListSubscriptions(req.ClientId)
	out := make([]*civkitrpc.SubscriptionInfo, len(subIDs))
	for i, id := range subIDs {
		out[i] = &civkitrpc.SubscriptionInfo{SubId: id}
	}
	return &civkitrpc.ListSubscriptionsResponse{Subscriptions: out}, nil
}

func (s *Server) ConnectPeer(ctx context.Context, req *civkitrpc.ConnectPeerRequest) (*civkitrpc.ConnectPeerResponse, error) {
	// BOLT8 peer connectivity is an out-of-scope stub (spec.md §1); this
	// RPC is wired end to end but performs no outbound dial.
	admnLog.Infof("ConnectPeer requested for %s (peer transport out of scope)", req.Address)
	return &civkitrpc.ConnectPeerResponse{}, nil
}

func (s *Server) DisconnectClient(ctx context.Context, req *civkitrpc.DisconnectClientRequest) (*civkitrpc.DisconnectClientResponse, error) {
	s.engine.Disconnect(req.ClientId)
	return &civkitrpc.DisconnectClientResponse{}, nil
}

func (s *Server) ListDbEvents(ctx context.Context, req *civkitrpc.ListDbEventsRequest) (*civkitrpc.ListDbEventsResponse, error) {
	events, err := s.store.PrintEvents()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(events))
	for i, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		out[i] = string(b)
	}
	return &civkitrpc.ListDbEventsResponse{EventJson: out}, nil
}

func (s *Server) ListDbClients(ctx context.Context, req *civkitrpc.ListDbClientsRequest) (*civkitrpc.ListDbClientsResponse, error) {
	clients, err := s.store.PrintClients()
	if err != nil {
		return nil, err
	}
	out := make([]*civkitrpc.ClientInfo, len(clients))
	for i, c := range clients {
		out[i] = &civkitrpc.ClientInfo{
			ClientId:     c.ClientID,
			RemoteAddr:   c.RemoteAddr,
			AuthorPubkey: c.AuthorPubKey,
		}
	}
	return &civkitrpc.ListDbClientsResponse{Clients: out}, nil
}

func (s *Server) CheckChainState(ctx context.Context, req *civkitrpc.CheckChainStateRequest) (*civkitrpc.CheckChainStateResponse, error) {
	info, err := s.oracle.GetBlockchainInfo()
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return &civkitrpc.CheckChainStateResponse{BlockchainInfoJson: string(b)}, nil
}

func (s *Server) GenerateTxInclusionProof(ctx context.Context, req *civkitrpc.GenerateTxInclusionProofRequest) (*civkitrpc.GenerateTxInclusionProofResponse, error) {
	proof, err := s.oracle.GetTxInclusionProof(req.Txid)
	if err != nil {
		return nil, err
	}
	return &civkitrpc.GenerateTxInclusionProofResponse{ProofHex: proof}, nil
}

func (s *Server) VerifyInclusionProof(ctx context.Context, req *civkitrpc.VerifyInclusionProofRequest) (*civkitrpc.VerifyInclusionProofResponse, error) {
	valid, err := s.oracle.VerifyInclusionProof(req.MerkleBlockHex)
	if err != nil {
		return nil, err
	}
	return &civkitrpc.VerifyInclusionProofResponse{Valid: valid}, nil
}

func (s *Server) RegisterService(ctx context.Context, req *civkitrpc.RegisterServiceRequest) (*civkitrpc.RegisterServiceResponse, error) {
	if _, err := schnorr.ParsePubKey(mustHex(req.ServicePubkey)); err != nil {
		return nil, fmt.Errorf("invalid service pubkey: %w", err)
	}
	s.registry.Register(req.ServicePubkey,
		credential.CredentialPolicy{PricePerCredential: req.PricePerCredential},
		credential.ServicePolicy{Description: req.Description},
		req.RegistrationHeight,
	)
	return &civkitrpc.RegisterServiceResponse{}, nil
}

func (s *Server) FetchServiceEvent(ctx context.Context, req *civkitrpc.FetchServiceEventRequest) (*civkitrpc.FetchServiceEventResponse, error) {
	svc, ok := s.registry.Get(req.ServicePubkey)
	if !ok {
		return nil, fmt.Errorf("no service registered for %s", req.ServicePubkey)
	}
	b, err := json.Marshal(svc)
	if err != nil {
		return nil, err
	}
	return &civkitrpc.FetchServiceEventResponse{EventJson: string(b)}, nil
}

func (s *Server) SubmitServiceEvent(ctx context.Context, req *civkitrpc.SubmitServiceEventRequest) (*civkitrpc.SubmitServiceEventResponse, error) {
	var e wire.Event
	if err := json.Unmarshal([]byte(req.EventJson), &e); err != nil {
		return &civkitrpc.SubmitServiceEventResponse{Ok: false}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Verify(); err != nil {
		return &civkitrpc.SubmitServiceEventResponse{Ok: false}, fmt.Errorf("verify event: %w", err)
	}
	s.engine.PublishAdminEvent(&e)
	return &civkitrpc.SubmitServiceEventResponse{Ok: true}, nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
