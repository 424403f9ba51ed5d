package chat

import "time"

// Kind discriminates user-authored text from system-projected entries in a
// negotiation's message stream.
type Kind string

const (
	KindText              Kind = "text"
	KindNegotiationAction Kind = "negotiation_action"
	KindSystem            Kind = "system"
)

// Message is one unit of the per-negotiation chat stream. Text messages are
// written by either party; negotiation_action and system messages are appended
// only as a side effect of a state-machine transition and carry a back
// reference to the event they project.
type Message struct {
	ID                 string
	NegotiationID      string
	SenderID           *string
	Content            string
	Kind               Kind
	NegotiationEventID *string
	IsRead             bool
	CreatedAt          time.Time
}
