// Package storage persists the little state the daemon keeps across
// restarts:
//   - Disabled unit ids (operator preference)
//   - A bounded log of scheduler events (refresh, update, update error)
package storage
