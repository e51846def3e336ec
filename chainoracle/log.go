package chainoracle

import "github.com/btcsuite/btclog"

var orclLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the chain oracle adapter.
func UseLogger(logger btclog.Logger) {
	orclLog = logger
}
