// Package logx configures delayd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), on stderr
//   - File output JSON-structured
package logx
