package adminrpc

import "github.com/btcsuite/btclog"

var admnLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the Admin Facade.
func UseLogger(logger btclog.Logger) {
	admnLog = logger
}
