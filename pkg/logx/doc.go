// Package logx configures postwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram alert sink so operators see errors without
//     tailing the log (min-level + rate limiting)
package logx
