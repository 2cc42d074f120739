// Package storage provides the optional persistence layer used by the bot.
//
// It currently supports:
//   - Token lists per owner (restored at boot)
//   - Audit log appends (operator commands)
package storage
