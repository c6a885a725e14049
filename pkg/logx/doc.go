// Package logx configures tubeq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - High-frequency lines (download progress) rate limited per key
package logx
