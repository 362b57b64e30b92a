// Package ledger holds the in-memory ordered log of conversation messages
// for one active session.
package ledger

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusStreaming Status = "streaming"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Terminal returns true for statuses that never change without explicit
// user action.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed:
		return true
	default:
		return false
	}
}

// validTransitions is the full status state machine. Anything absent is
// rejected by UpdateStatus.
var validTransitions = map[Status][]Status{
	StatusSending:   {StatusStreaming, StatusDelivered, StatusFailed},
	StatusStreaming: {StatusDelivered, StatusFailed},
	StatusFailed:    {StatusSending},
	StatusDelivered: {StatusRead},
}

// ValidTransition reports whether from → to is allowed.
func ValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Message is a single turn in the conversation. Content is mutable only
// while the status is streaming.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// Ledger is an ordered log, oldest first. It is not safe for concurrent
// use: the coordinator's run loop is its single owner.
type Ledger struct {
	messages []Message
	index    map[string]int // id -> position in messages
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{index: make(map[string]int)}
}

// Len returns the number of live messages.
func (l *Ledger) Len() int {
	return len(l.messages)
}

// Get returns the message with the given id.
func (l *Ledger) Get(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[i], true
}

// Messages returns a copy of the log in order, oldest first.
func (l *Ledger) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Append adds a message at the tail. A duplicate id replaces the existing
// entry in place, preserving its position.
func (l *Ledger) Append(msg Message) {
	if i, ok := l.index[msg.ID]; ok {
		l.messages[i] = msg
		return
	}
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
}

// PrependBatch inserts older messages at the head, preserving their
// relative order. Ids already live in the ledger are skipped so a page
// overlapping the loaded window cannot duplicate entries.
func (l *Ledger) PrependBatch(older []Message) {
	fresh := make([]Message, 0, len(older))
	for _, msg := range older {
		if _, ok := l.index[msg.ID]; !ok {
			fresh = append(fresh, msg)
		}
	}
	if len(fresh) == 0 {
		return
	}

	l.messages = append(fresh, l.messages...)
	l.reindex()
}

// UpdateStatus applies a transition from the state machine. Transitions
// not in the table are rejected and reported as false.
func (l *Ledger) UpdateStatus(id string, status Status) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	if !ValidTransition(l.messages[i].Status, status) {
		return false
	}
	l.messages[i].Status = status
	return true
}

// SetContent replaces a message's text. Used while a stream is in flight
// and when the final text arrives.
func (l *Ledger) SetContent(id, content string) bool {
	i, ok := l.index[id]
	if !ok {
		return false
	}
	l.messages[i].Content = content
	return true
}

// TrimToCapacity drops the oldest excess entries so at most maxInMemory
// remain. The log is ordered oldest-to-newest, so in-flight messages at
// the tail are never dropped.
func (l *Ledger) TrimToCapacity(maxInMemory int) {
	if maxInMemory < 0 || len(l.messages) <= maxInMemory {
		return
	}

	drop := len(l.messages) - maxInMemory
	for _, msg := range l.messages[:drop] {
		delete(l.index, msg.ID)
	}
	l.messages = append([]Message(nil), l.messages[drop:]...)
	l.reindex()
}

func (l *Ledger) reindex() {
	for i, msg := range l.messages {
		l.index[msg.ID] = i
	}
}
