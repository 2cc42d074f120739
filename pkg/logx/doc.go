// Package logx is ceremonybot's structured logging layer.
//
// Logger wraps zerolog so call sites stay terse (logx.String, logx.Err, ...)
// while the Service decides where records go:
//   - console (short timestamp + file:line caller)
//   - a JSON lines file
//   - an optional ops chat, filtered by level and rate limited
package logx
