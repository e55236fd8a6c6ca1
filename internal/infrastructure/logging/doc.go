// Package logging provides structured logging for devicekit.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across servers, test contexts and the CLI.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error, off)
//   - Mapping from the device server "-v<N>" flag to a level
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error, off
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("device exported", "device", "test/nodb/powersupply")
//	logger.Error("init failed", "error", err)
package logging
