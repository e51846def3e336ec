package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	goerrors "github.com/go-errors/errors"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/civkit/civkitd/adminrpc"
	"github.com/civkit/civkitd/adminrpc/civkitrpc"
	"github.com/civkit/civkitd/attestation"
	"github.com/civkit/civkitd/chainoracle"
	"github.com/civkit/civkitd/credential"
	"github.com/civkit/civkitd/eventstore"
	"github.com/civkit/civkitd/notarization"
)

var shutdownChannel = make(chan struct{})

// identityKey is the relay operator's own signing key, used to sign events
// the Admin Facade injects on the operator's behalf (PublishTextNote,
// PublishNotice, PublishOffer, PublishInvoice).
type identityKey struct {
	priv *btcec.PrivateKey
}

func newIdentityKey() (*identityKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &identityKey{priv: priv}, nil
}

func (k *identityKey) PubKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.priv.PubKey()))
}

func (k *identityKey) Sign(digest [32]byte) (string, error) {
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func netParamsForNetwork(network string) *chaincfg.Params {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.TestNet3Params
	}
}

// civkitdMain is the true entry point for civkitd. This function is
// required since defers created in the top-level scope of a main method
// aren't executed if os.Exit() is called.
func civkitdMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	eventstore.UseLogger(evtsLog)
	chainoracle.UseLogger(orclLog)
	attestation.UseLogger(atstLog)
	notarization.UseLogger(ntrzLog)
	credential.UseLogger(credLog)
	adminrpc.UseLogger(admnLog)

	if cfg.Profile != "" {
		go func() {
			profileAddr := fmt.Sprintf("localhost:%s", cfg.Profile)
			ltndLog.Infof("starting profiling server on %s", profileAddr)
			fmt.Println(http.ListenAndServe(profileAddr, nil))
		}()
	}

	store, err := eventstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("unable to open event store: %w", err)
	}
	defer store.Close()

	oracle := chainoracle.New(chainoracle.Config{
		Host:        cfg.BitcoindParams.Host,
		Port:        cfg.BitcoindParams.Port,
		RPCUser:     cfg.BitcoindParams.RPCUser,
		RPCPassword: cfg.BitcoindParams.RPCPassword,
		Chain:       cfg.BitcoindParams.Chain,
	})

	chainMonitor := healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{oracle.NewLivenessCheck()},
	})
	if err := chainMonitor.Start(); err != nil {
		return fmt.Errorf("unable to start chain oracle liveness monitor: %w", err)
	}
	defer chainMonitor.Stop()

	netParams := netParamsForNetwork(cfg.Civkitd.Network)
	notary := notarization.New(notarization.Config{
		BasePubKey: cfg.Mainstay.BasePubKey,
		ChainCode:  cfg.Mainstay.ChainCode,
		NetParams:  netParams,
	}, store, oracle)

	issuanceKey, err := btcec.NewPrivateKey()
	if err != nil {
		return fmt.Errorf("unable to generate issuance key: %w", err)
	}
	gateway := credential.New(issuanceKey, oracle)

	srv := newServer(cfg, store, notary, gateway)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("unable to start fan-out engine: %w", err)
	}
	defer srv.Stop()

	pollInterval := time.Duration(defaultAttestationPollSec) * time.Second
	atstClient := attestation.New(attestation.Config{
		URL:          cfg.Mainstay.URL,
		Position:     cfg.Mainstay.Position,
		Token:        cfg.Mainstay.Token,
		BasePubKey:   cfg.Mainstay.BasePubKey,
		ChainCode:    cfg.Mainstay.ChainCode,
		PollInterval: pollInterval,
	}, oracle)
	atstClient.Start()
	defer atstClient.Stop()

	go attestationVerifyLoop(atstClient, notary)
	go announcementLoop(srv, gateway.Registry())

	identKey, err := newIdentityKey()
	if err != nil {
		return fmt.Errorf("unable to generate identity key: %w", err)
	}

	grpcServer := grpc.NewServer()
	adminSrv := adminrpc.New(store, srv, oracle, gateway, gateway.Registry(), identKey)
	civkitrpc.RegisterCivkitServer(grpcServer, adminSrv)
	civkitrpc.RegisterCivkitServiceServer(grpcServer, adminSrv)

	rpcAddr := fmt.Sprintf(":%d", cfg.Civkitd.CliPort)
	rpcListener, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		return fmt.Errorf("unable to listen on %s: %w", rpcAddr, err)
	}
	go func() {
		ltndLog.Infof("admin facade listening on %s", rpcAddr)
		if err := grpcServer.Serve(rpcListener); err != nil {
			admnLog.Errorf("admin facade serve error: %v", err)
		}
	}()
	defer grpcServer.GracefulStop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(":9090", metricsMux)
	}()

	go awaitInterrupt()

	select {
	case <-shutdownChannel:
	case <-adminSrv.ShutdownRequested():
		ltndLog.Infof("shutting down on admin facade request")
	}

	return nil
}

// attestationVerifyLoop forwards every newly observed attestation to the
// Notarization Pipeline's 4-part verification, logging but not halting on
// individual failures (spec.md §4.4.2).
func attestationVerifyLoop(c *attestation.Client, p *notarization.Pipeline) {
	for a := range c.Attestations() {
		if err := p.VerifyAttestation(a); err != nil {
			ntrzLog.Warnf("attestation %s failed verification: %v", a.Txid, err)
		}
	}
}

// announcementLoop periodically diffs the service registry against the
// last-announced set and broadcasts newly registered services as a relay
// notice (spec.md §4.5.3, supplemented from marketd.rs).
func announcementLoop(srv *server, registry *credential.ServiceRegistry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		pending := registry.PendingAnnouncements()
		if len(pending) == 0 {
			continue
		}
		srv.broadcast(credential.AnnouncementNotice(pending))
		registry.MarkAnnounced(pending)
	}
}

// awaitInterrupt blocks until SIGINT/SIGTERM, then requests a graceful
// shutdown.
func awaitInterrupt() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	ltndLog.Infof("shutting down on interrupt signal")
	close(shutdownChannel)
}

func main() {
	if err := civkitdMain(); err != nil {
		// Wrap with go-errors at the top-level service boundary so a
		// fatal startup failure prints its originating stack, not just
		// the final wrapped message.
		wrapped := goerrors.Wrap(err, 1)
		os.Stderr.WriteString(wrapped.ErrorStack() + "\n")
		os.Exit(1)
	}
}
