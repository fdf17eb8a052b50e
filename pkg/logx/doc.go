// Package logx configures clientpulse's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON-structured
//   - records at or above a min level can be forwarded to an operator
//     alert channel (rate limited, never blocking the caller)
package logx
