package bridge

import (
	"errors"
	"time"

	"github.com/ashureev/salesbot/internal/domain"
	"github.com/ashureev/salesbot/internal/transport"
	"github.com/fxamacker/cbor/v2"
)

// Frame types exchanged with the bridge.
const (
	frameHello     = "hello"
	frameSend      = "send"
	frameSent      = "sent"
	frameQR        = "qr"
	frameOpen      = "open"
	frameClose     = "close"
	frameCreds     = "creds"
	frameKeyGet    = "key.get"
	frameKeyValue  = "key.value"
	frameKeySet    = "key.set"
	frameKeyDelete = "key.delete"
	frameMessage   = "message"
)

// frame is the single CBOR envelope used in both directions. Only the
// fields relevant to Type are set.
type frame struct {
	Type      string              `cbor:"type"`
	ID        string              `cbor:"id,omitempty"`
	JID       string              `cbor:"jid,omitempty"`
	Text      string              `cbor:"text,omitempty"`
	Image     []byte              `cbor:"image,omitempty"`
	Caption   string              `cbor:"caption,omitempty"`
	MimeType  string              `cbor:"mimetype,omitempty"`
	MessageID string              `cbor:"messageId,omitempty"`
	Code      string              `cbor:"code,omitempty"`
	Me        string              `cbor:"me,omitempty"`
	Reason    string              `cbor:"reason,omitempty"`
	Error     string              `cbor:"error,omitempty"`
	Creds     *domain.Credentials `cbor:"creds,omitempty"`
	Key       string              `cbor:"key,omitempty"`
	Value     []byte              `cbor:"value,omitempty"`
	Found     bool                `cbor:"found,omitempty"`
	Message   *wireMessage        `cbor:"message,omitempty"`
}

type wireMessage struct {
	ID           string            `cbor:"id"`
	JID          string            `cbor:"remoteJid"`
	FromMe       bool              `cbor:"fromMe"`
	Timestamp    int64             `cbor:"timestamp,omitempty"`
	Conversation string            `cbor:"conversation,omitempty"`
	ExtendedText *wireExtendedText `cbor:"extendedTextMessage,omitempty"`
	Image        *wireImage        `cbor:"imageMessage,omitempty"`
	Kind         string            `cbor:"kind,omitempty"`
}

type wireExtendedText struct {
	Text     string `cbor:"text"`
	QuotedID string `cbor:"quotedId,omitempty"`
}

type wireImage struct {
	Caption string `cbor:"caption,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	err := decMode.Unmarshal(data, &f)
	return f, err
}

// event converts m to a transport message, resolving the payload variant.
func (m *wireMessage) event() transport.Message {
	msg := transport.Message{
		ID:     m.ID,
		JID:    m.JID,
		FromMe: m.FromMe,
	}
	if m.Timestamp > 0 {
		msg.Timestamp = time.Unix(m.Timestamp, 0)
	}

	switch {
	case m.Conversation != "":
		msg.Payload = transport.Conversation{Text: m.Conversation}
	case m.ExtendedText != nil:
		msg.Payload = transport.ExtendedText{Text: m.ExtendedText.Text, QuotedID: m.ExtendedText.QuotedID}
	case m.Image != nil:
		msg.Payload = transport.ImageCaption{Caption: m.Image.Caption}
	default:
		msg.Payload = transport.Unsupported{Kind: m.Kind}
	}
	return msg
}

func closeEvent(f frame) transport.Closed {
	ev := transport.Closed{Reason: transport.CloseReason(f.Reason)}
	if ev.Reason == "" {
		ev.Reason = transport.CloseUnknown
	}
	if f.Error != "" {
		ev.Err = errors.New(f.Error)
	}
	return ev
}
