// Package logx is the structured logging layer shared by all services.
//
// It wraps zerolog behind a small Logger type so services do not depend on a
// concrete logging backend. The Service builds the sink fanout from
// configuration and can swap levels and outputs at runtime via Apply:
//   - Console (human-friendly pretty output)
//   - File (JSON lines, append-only)
//
// Loggers created from a Service stay "live" across Apply calls; the zero
// value is a safe no-op logger.
package logx
