// ABOUTME: RFC 7395 WebSocket framing elements and root-element sniffing
// ABOUTME: Each WebSocket text frame carries exactly one XML document

package stanza

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// NSFraming is the namespace of the WebSocket framing elements.
const NSFraming = "urn:ietf:params:xml:ns:xmpp-framing"

// ErrEmptyFrame is returned by RootName for frames without an element.
var ErrEmptyFrame = errors.New("frame contains no element")

// Open is the <open/> element that starts a stream over WebSocket.
type Open struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	ID      string   `xml:"id,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
	Lang    string   `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
}

// Close is the <close/> element that ends a stream over WebSocket.
type Close struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

// RootName returns the qualified name of the first element in data.
func RootName(data []byte) (xml.Name, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return xml.Name{}, ErrEmptyFrame
		}
		if err != nil {
			return xml.Name{}, fmt.Errorf("reading frame: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name, nil
		}
	}
}
