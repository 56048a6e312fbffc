// Package log provides protocol capture for the RF link.
//
// This package defines the Logger interface and Event types for recording
// every frame on the air, every completed exchange and every link state
// change. It is separate from operational logging (slog): a capture is a
// complete machine-readable trace for debugging pairing and range problems.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For long-running installs: write to a capture file
//	fl, _ := log.NewFileLogger("/var/log/zehnder/fan.rflog")
//	cfg.ProtocolLogger = fl
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// The controller wraps the configured logger in a Session, which stamps each
// event with a per-run UUID and a timestamp.
//
// # Event Types
//
//   - Radio/Frame layer: FrameEvent, raw payload plus decoded header
//   - Link layer: ExchangeEvent (operation outcome), StateChangeEvent
//   - Any layer: ErrorEventData
//
// # File Format
//
// Capture files are a stream of CBOR-encoded events with the .rflog
// extension. The zehnder-log tool views, summarises and exports them.
package log
