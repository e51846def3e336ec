package notarization

import "github.com/btcsuite/btclog"

var ntrzLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the notarization
// pipeline.
func UseLogger(logger btclog.Logger) {
	ntrzLog = logger
}
