package hwdecode

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// log is the package logger. Quiet at the default level; enable debug on the
// standard logger (or swap one in with SetLogger) to trace asset and session
// lifecycles.
var log = logrus.StandardLogger()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

var installFaultOnce = new(sync.Once)

// InstallUncaughtFaultHandler installs a process-wide last-resort handler in
// the native media stack. Engine faults that would otherwise take the process
// down unwind into handleUncaughtFault, which logs the fault identity, reason
// and native call stack. Install once, early, before opening assets; repeated
// calls are no-ops.
//
// This is crash diagnostics, not error recovery: after a fault fires the
// native stack is in an undefined state and the process should exit.
func InstallUncaughtFaultHandler() error {
	if err := ensureStack(); err != nil {
		return err
	}
	installFaultOnce.Do(func() {
		nativeInstallFaultHandler()
		log.Debug("installed uncaught fault handler")
	})
	return nil
}

// handleUncaughtFault receives terminal engine faults from the native stack.
func handleUncaughtFault(name, reason, callstack string) {
	entry := log.WithFields(logrus.Fields{
		"fault":  name,
		"reason": reason,
	})
	entry.Error("uncaught fault in native media stack")
	if callstack != "" {
		entry.Error(callstack)
	}
}
