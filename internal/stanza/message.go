// ABOUTME: Message stanza type for one-to-one chat traffic
// ABOUTME: Only the fields the relay archives are modeled

package stanza

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// MessageType is the type attribute of a message stanza.
type MessageType string

// Message types defined by RFC 6121 §5.2.2.
const (
	MessageChat      MessageType = "chat"
	MessageError     MessageType = "error"
	MessageGroupchat MessageType = "groupchat"
	MessageHeadline  MessageType = "headline"
	MessageNormal    MessageType = "normal"
)

// ErrNotMessage is returned when decoding a document whose root is not <message>.
var ErrNotMessage = errors.New("not a message stanza")

// Message is a message stanza.
type Message struct {
	XMLName xml.Name
	ID      string      `xml:"id,attr,omitempty"`
	Type    MessageType `xml:"type,attr,omitempty"`
	From    string      `xml:"from,attr,omitempty"`
	To      string      `xml:"to,attr,omitempty"`
	Body    string      `xml:"body,omitempty"`
}

// Archivable reports whether the message belongs in the one-to-one archive.
// A missing type means normal.
func (m *Message) Archivable() bool {
	switch m.Type {
	case "", MessageChat, MessageNormal:
		return m.Body != ""
	default:
		return false
	}
}

// ParseMessage decodes a single <message> document.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := xml.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if msg.XMLName.Local != "message" {
		return nil, ErrNotMessage
	}
	return &msg, nil
}

// Marshal encodes the message, defaulting the element name when unset.
func (m *Message) Marshal() ([]byte, error) {
	if m.XMLName.Local == "" {
		m.XMLName = xml.Name{Space: NSClient, Local: "message"}
	}
	return xml.Marshal(m)
}
