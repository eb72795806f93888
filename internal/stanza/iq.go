// ABOUTME: IQ stanza type with opaque payload elements and response builders
// ABOUTME: ResultIQ/ErrorIQ produce responses correlated to a request by id

package stanza

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// NSClient is the default namespace of client stanzas.
const NSClient = "jabber:client"

// IQType is the type attribute of an IQ stanza.
type IQType string

// IQ types defined by RFC 6120 §8.2.3.
const (
	TypeGet    IQType = "get"
	TypeSet    IQType = "set"
	TypeResult IQType = "result"
	TypeError  IQType = "error"
)

// IsRequest reports whether the type expects a response.
func (t IQType) IsRequest() bool {
	return t == TypeGet || t == TypeSet
}

// ErrNotIQ is returned when decoding a document whose root is not <iq>.
var ErrNotIQ = errors.New("not an iq stanza")

// Element is an opaque child element. Attributes and inner XML are preserved
// so the element can be copied back to the sender unchanged.
type Element struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

// UnmarshalXML decodes the element, dropping namespace declarations from the
// attribute list; the namespace is carried by XMLName instead.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Inner []byte `xml:",innerxml"`
	}
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}

	e.XMLName = start.Name
	e.Attrs = nil
	for _, a := range start.Attr {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		e.Attrs = append(e.Attrs, a)
	}
	e.Inner = raw.Inner
	return nil
}

// Attr returns the value of the unqualified attribute with the given local name.
func (e *Element) Attr(local string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value, true
		}
	}
	return "", false
}

// Copy returns a deep copy of the element.
func (e *Element) Copy() *Element {
	if e == nil {
		return nil
	}
	c := &Element{XMLName: e.XMLName}
	if e.Attrs != nil {
		c.Attrs = make([]xml.Attr, len(e.Attrs))
		copy(c.Attrs, e.Attrs)
	}
	if e.Inner != nil {
		c.Inner = make([]byte, len(e.Inner))
		copy(c.Inner, e.Inner)
	}
	return c
}

// Is reports whether the element has the given namespace and local name.
func (e *Element) Is(namespace, local string) bool {
	return e != nil && e.XMLName.Space == namespace && e.XMLName.Local == local
}

// IQ is an info/query stanza.
type IQ struct {
	XMLName xml.Name
	ID      string   `xml:"id,attr"`
	Type    IQType   `xml:"type,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Error   *Error   `xml:"error"`
	Payload *Element `xml:",any"`
}

func iqName() xml.Name {
	return xml.Name{Space: NSClient, Local: "iq"}
}

// NewIQ creates a request IQ with the given payload.
func NewIQ(typ IQType, id, from, to string, payload *Element) *IQ {
	return &IQ{
		XMLName: iqName(),
		ID:      id,
		Type:    typ,
		From:    from,
		To:      to,
		Payload: payload,
	}
}

// ResultIQ builds an empty result correlated to req: same id, addressing swapped.
func ResultIQ(req *IQ) *IQ {
	return &IQ{
		XMLName: iqName(),
		ID:      req.ID,
		Type:    TypeResult,
		From:    req.To,
		To:      req.From,
	}
}

// ErrorIQ builds an error response to req carrying a copy of the request
// payload and the given condition. The error type follows RFC 6120 §8.3.3.
func ErrorIQ(req *IQ, cond Condition) *IQ {
	return &IQ{
		XMLName: iqName(),
		ID:      req.ID,
		Type:    TypeError,
		From:    req.To,
		To:      req.From,
		Payload: req.Payload.Copy(),
		Error:   &Error{Type: cond.DefaultType(), Condition: cond},
	}
}

// ParseIQ decodes a single <iq> document.
func ParseIQ(data []byte) (*IQ, error) {
	var iq IQ
	if err := xml.Unmarshal(data, &iq); err != nil {
		return nil, fmt.Errorf("decoding iq: %w", err)
	}
	if iq.XMLName.Local != "iq" {
		return nil, ErrNotIQ
	}
	return &iq, nil
}

// Marshal encodes the IQ, defaulting the element name when unset.
func (iq *IQ) Marshal() ([]byte, error) {
	if iq.XMLName.Local == "" {
		iq.XMLName = iqName()
	}
	return xml.Marshal(iq)
}
