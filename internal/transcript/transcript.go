package transcript

// DefaultWindow is how many recent messages the UI hands to each turn.
const DefaultWindow = 10

// Transcript is the ordered message list owned by the presentation layer.
// It is not safe for concurrent use; the UI mutates it from its own loop.
type Transcript struct {
	messages []Message
}

// Append adds m to the end. Timestamps never go backwards within a
// transcript: a message older than its predecessor takes the predecessor's
// time.
func (t *Transcript) Append(m Message) {
	if n := len(t.messages); n > 0 && m.Timestamp.Before(t.messages[n-1].Timestamp) {
		m.Timestamp = t.messages[n-1].Timestamp
	}
	if m.Metadata == nil {
		m.Metadata = map[string]string{}
	}
	t.messages = append(t.messages, m)
}

// UpdateLast replaces the content of the last message, used while a reply
// streams in. It is a no-op on an empty transcript.
func (t *Transcript) UpdateLast(content string) {
	if len(t.messages) == 0 {
		return
	}
	t.messages[len(t.messages)-1].Content = content
}

// Last returns the final message and whether there is one.
func (t *Transcript) Last() (Message, bool) {
	if len(t.messages) == 0 {
		return Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// All returns a copy of every message.
func (t *Transcript) All() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Window returns a copy of the last n messages, earliest first.
func (t *Transcript) Window(n int) []Message {
	return Tail(t.messages, n)
}

// Clear drops every message.
func (t *Transcript) Clear() {
	t.messages = nil
}

// Tail returns a copy of the last n entries of msgs.
func Tail(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) == 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
