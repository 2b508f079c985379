package context

import "github.com/stupiduntilnot/chatrelay/internal/chat"

// SimpleCompressor keeps only the last MaxTurns turns.
type SimpleCompressor struct {
	MaxTurns int
}

// Compress truncates history to the most recent MaxTurns entries.
func (c *SimpleCompressor) Compress(history []chat.Turn) []chat.Turn {
	if c.MaxTurns <= 0 || len(history) <= c.MaxTurns {
		return history
	}
	return history[len(history)-c.MaxTurns:]
}
