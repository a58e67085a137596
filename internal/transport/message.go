package transport

import "strings"

// Payload is the body of a Message: Conversation, ExtendedText,
// ImageCaption or Unsupported.
type Payload interface {
	isPayload()
}

// Conversation is a plain text message.
type Conversation struct {
	Text string
}

// ExtendedText is a text message with a quote or link preview.
type ExtendedText struct {
	Text     string
	QuotedID string
}

// ImageCaption is an image message; only its caption is used.
type ImageCaption struct {
	Caption string
}

// Unsupported is any other kind of message.
type Unsupported struct {
	Kind string
}

func (Conversation) isPayload() {}
func (ExtendedText) isPayload() {}
func (ImageCaption) isPayload() {}
func (Unsupported) isPayload()  {}

// TextOf resolves a payload to the single text value it carries. Payloads
// without text yield "".
func TextOf(p Payload) string {
	switch v := p.(type) {
	case Conversation:
		return v.Text
	case ExtendedText:
		return v.Text
	case ImageCaption:
		return v.Caption
	default:
		return ""
	}
}

// Text returns the normalized text of m with surrounding whitespace removed.
func (m Message) Text() string {
	return strings.TrimSpace(TextOf(m.Payload))
}
