// Package stream reassembles chunked assistant responses into complete
// message text.
package stream

import "strings"

// Assembler accumulates partial-content chunks keyed by message id. It is
// not safe for concurrent use: the coordinator's run loop is its single
// owner. Chunks are trusted to arrive in transport order; the websocket
// channel is ordered within one connection.
type Assembler struct {
	buffers map[string]*strings.Builder
}

// New creates an assembler with no active buffers.
func New() *Assembler {
	return &Assembler{buffers: make(map[string]*strings.Builder)}
}

// Begin opens a fresh buffer for the message id. A prior buffer for the
// same id is discarded, last start wins.
func (a *Assembler) Begin(messageID string) {
	a.buffers[messageID] = &strings.Builder{}
}

// Append adds a chunk and returns the accumulated text so far. Chunks for
// an id that is not buffered are ignored, tolerating late frames after a
// stream has been torn down.
func (a *Assembler) Append(messageID, chunk string) (string, bool) {
	buf, ok := a.buffers[messageID]
	if !ok {
		return "", false
	}
	buf.WriteString(chunk)
	return buf.String(), true
}

// End closes the buffer, returning the final text and removing it from
// tracking. Ending an unknown id returns empty and reports false.
func (a *Assembler) End(messageID string) (string, bool) {
	buf, ok := a.buffers[messageID]
	if !ok {
		return "", false
	}
	delete(a.buffers, messageID)
	return buf.String(), true
}

// Active returns the number of in-flight buffers.
func (a *Assembler) Active() int {
	return len(a.buffers)
}

// Reset discards every buffer. Called on session teardown; a stream that
// never ends leaks its buffer only until then.
func (a *Assembler) Reset() {
	a.buffers = make(map[string]*strings.Builder)
}
