// Package log provides a logging abstraction for camfleet components.
//
// This package defines a Logger interface that can be implemented by
// any logging library. Default implementations are provided for zerolog
// and a no-op logger for testing.
//
// # Usage
//
// Use the provided zerolog adapter:
//
//	logger := log.NewZerologAdapter(os.Stderr, "debug")
//
// Bind per-device context once and pass the result down:
//
//	devLog := log.With(logger, log.Device("C3501324645504"))
//	devLog.Info("link connected", log.Duration("took", d))
//
// Or use the no-op logger for testing:
//
//	logger := log.NewNoopLogger()
//
// Secrets (network passwords, device passwords) are never passed as fields;
// credentials are logged by address and fingerprint.
package log
