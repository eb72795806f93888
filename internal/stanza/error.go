// ABOUTME: Stanza error conditions and the <error/> element encoding
// ABOUTME: Conditions live in the urn:ietf:params:xml:ns:xmpp-stanzas namespace

package stanza

import (
	"encoding/xml"
)

// NSStanzas is the namespace of defined stanza error conditions.
const NSStanzas = "urn:ietf:params:xml:ns:xmpp-stanzas"

// ErrorType is the type attribute of a stanza error.
type ErrorType string

// Error types defined by RFC 6120 §8.3.2.
const (
	ErrorAuth     ErrorType = "auth"
	ErrorCancel   ErrorType = "cancel"
	ErrorContinue ErrorType = "continue"
	ErrorModify   ErrorType = "modify"
	ErrorWait     ErrorType = "wait"
)

// Condition is a defined stanza error condition.
type Condition string

// Conditions used by the gateway.
const (
	BadRequest            Condition = "bad-request"
	FeatureNotImplemented Condition = "feature-not-implemented"
	InternalServerError   Condition = "internal-server-error"
	JIDMalformed          Condition = "jid-malformed"
	NotAuthorized         Condition = "not-authorized"
	ServiceUnavailable    Condition = "service-unavailable"
)

// DefaultType returns the error type RFC 6120 associates with the condition.
func (c Condition) DefaultType() ErrorType {
	switch c {
	case BadRequest, JIDMalformed:
		return ErrorModify
	case NotAuthorized:
		return ErrorAuth
	default:
		return ErrorCancel
	}
}

// Error is the <error/> child of an error stanza.
type Error struct {
	Type      ErrorType
	Condition Condition
	Text      string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Text != "" {
		return string(e.Condition) + ": " + e.Text
	}
	return string(e.Condition)
}

// MarshalXML encodes the error with its condition element and optional text.
func (e *Error) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{
		Name: xml.Name{Local: "error"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: string(e.Type)}},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	cond := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: string(e.Condition)}}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}

	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: "text"}}
		if err := enc.EncodeToken(text); err != nil {
			return err
		}
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
		if err := enc.EncodeToken(text.End()); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

// UnmarshalXML decodes an <error/> element. The first child other than
// <text/> is taken as the condition.
func (e *Error) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Type     ErrorType `xml:"type,attr"`
		Text     string    `xml:"text"`
		Children []struct {
			XMLName xml.Name
		} `xml:",any"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}

	e.Type = raw.Type
	e.Text = raw.Text
	if len(raw.Children) > 0 {
		e.Condition = Condition(raw.Children[0].XMLName.Local)
	}
	return nil
}
