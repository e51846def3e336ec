package chainoracle

import (
	"time"

	"github.com/lightningnetwork/lnd/healthcheck"
)

// NewLivenessCheck returns a healthcheck.Observation that periodically
// calls getblockchaininfo against the adapter's bitcoind connection. It is
// a side-channel observer only: it never influences or retries an
// in-flight proof request (spec.md §4.1's "never retries internally" is
// unaffected).
func (a *Adapter) NewLivenessCheck() *healthcheck.Observation {
	return &healthcheck.Observation{
		Check: func() error {
			_, err := a.GetBlockchainInfo()
			return err
		},
		Interval: time.Minute,
		Attempts: 2,
		Timeout:  10 * time.Second,
		Backoff:  5 * time.Second,
	}
}
