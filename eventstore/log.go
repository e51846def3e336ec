package eventstore

import "github.com/btcsuite/btclog"

var evtsLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the event store.
func UseLogger(logger btclog.Logger) {
	evtsLog = logger
}
