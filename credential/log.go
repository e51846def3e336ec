package credential

import "github.com/btcsuite/btclog"

var credLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the credential gateway.
func UseLogger(logger btclog.Logger) {
	credLog = logger
}
