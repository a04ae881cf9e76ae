// Package logx configures mailwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated by lumberjack
//   - An optional operator alert sink (min-level + rate limiting)
package logx
