package main

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// subsystem tags used as prefixes for every logger below.
const (
	subsystemCivk = "CIVK" // main
	subsystemFano = "FANO" // client fan-out engine / server
	subsystemEvts = "EVTS" // event store
	subsystemOrcl = "ORCL" // chain oracle adapter
	subsystemAtst = "ATST" // attestation client
	subsystemNtrz = "NTRZ" // notarization pipeline
	subsystemCred = "CRED" // credential gateway
	subsystemAdmn = "ADMN" // admin facade
)

// logWriter implements io.Writer and writes to both standard output and
// the log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})
	logRotator *rotator.Rotator

	ltndLog = backendLog.Logger(subsystemCivk)
	srvrLog = backendLog.Logger(subsystemFano)
	evtsLog = backendLog.Logger(subsystemEvts)
	orclLog = backendLog.Logger(subsystemOrcl)
	atstLog = backendLog.Logger(subsystemAtst)
	ntrzLog = backendLog.Logger(subsystemNtrz)
	credLog = backendLog.Logger(subsystemCred)
	admnLog = backendLog.Logger(subsystemAdmn)
)

// subsystemLoggers maps each subsystem tag to its logger so that
// setLogLevels can apply a configured verbosity uniformly.
var subsystemLoggers = map[string]btclog.Logger{
	subsystemCivk: ltndLog,
	subsystemFano: srvrLog,
	subsystemEvts: evtsLog,
	subsystemOrcl: orclLog,
	subsystemAtst: atstLog,
	subsystemNtrz: ntrzLog,
	subsystemCred: credLog,
	subsystemAdmn: admnLog,
}

// setLogLevel sets the logging level for provided subsystem. Unknown
// subsystems and invalid log levels are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return
	}
	logger.SetLevel(level)
}

// setLogLevels sets the log level for every registered subsystem. Invalid
// log levels are ignored.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before
// the package-level log rotator variables are used.
func initLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}
