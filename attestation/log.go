package attestation

import "github.com/btcsuite/btclog"

// atstLog is the package-level subsystem logger. civkitd's main package
// rebinds it via UseLogger once the backend is initialized.
var atstLog = btclog.Disabled

// UseLogger sets the package-wide logger used by the attestation client.
func UseLogger(logger btclog.Logger) {
	atstLog = logger
}
