package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Conversation is an append-only message log. Appending never modifies the
// receiver, so any prefix can be kept and replayed.
type Conversation struct {
	messages []Message
}

// NewConversation starts a conversation, optionally with a system prompt.
func NewConversation(system string) Conversation {
	if system == "" {
		return Conversation{}
	}
	return Conversation{messages: []Message{{Role: RoleSystem, Content: system}}}
}

// Append returns a new conversation with msg added.
func (c Conversation) Append(role, content string) Conversation {
	messages := make([]Message, len(c.messages), len(c.messages)+1)
	copy(messages, c.messages)
	return Conversation{messages: append(messages, Message{Role: role, Content: content})}
}

// User appends a user message.
func (c Conversation) User(content string) Conversation {
	return c.Append(RoleUser, content)
}

// Assistant appends an assistant message.
func (c Conversation) Assistant(content string) Conversation {
	return c.Append(RoleAssistant, content)
}

// Messages returns a copy of the messages.
func (c Conversation) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c Conversation) Len() int {
	return len(c.messages)
}

// Last returns the most recent message.
func (c Conversation) Last() (Message, bool) {
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}
