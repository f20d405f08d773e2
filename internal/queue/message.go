package queue

// IncomingMessage is one user or internal utterance, persisted as a JSON file
// in incoming/. Channel adapters, the cron enqueuer, and the team handoff
// path all produce the same record shape.
type IncomingMessage struct {
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	SenderID  string `json:"senderId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"` // unix millis
	MessageID string `json:"messageId"`

	// Agent pre-routes the message to a known agent, skipping mention parsing.
	Agent string `json:"agent,omitempty"`

	// ConversationID and FromAgent mark an internal team handoff. When
	// ConversationID is set the sender record is ignored by security policy.
	ConversationID string `json:"conversationId,omitempty"`
	FromAgent      string `json:"fromAgent,omitempty"`

	Files []string `json:"files,omitempty"`
}

// Internal reports whether the message is a team handoff rather than an
// external utterance.
func (m *IncomingMessage) Internal() bool {
	return m.ConversationID != ""
}

// OutgoingResponse is the final user-facing payload written to outgoing/ and
// consumed by a channel adapter.
type OutgoingResponse struct {
	Channel         string   `json:"channel"`
	Sender          string   `json:"sender"`
	Message         string   `json:"message"`
	OriginalMessage string   `json:"originalMessage"`
	Timestamp       int64    `json:"timestamp"`
	MessageID       string   `json:"messageId"`
	Agent           string   `json:"agent,omitempty"`
	Files           []string `json:"files,omitempty"`
}
