package context

import "github.com/stupiduntilnot/chatrelay/internal/chat"

// Compressor reduces stored history to fit within constraints.
type Compressor interface {
	Compress(history []chat.Turn) []chat.Turn
}

// Builder turns a session plus a new turn into a provider-ready message list.
type Builder interface {
	Assemble(session chat.Session, turn chat.Turn, profile Profile) []Message
}
