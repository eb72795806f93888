// ABOUTME: JID helpers wrapping mellium.im/xmpp/jid
// ABOUTME: Archive keys are always bare JIDs

package stanza

import (
	"fmt"

	"mellium.im/xmpp/jid"
)

// ParseJID parses and normalizes an address.
func ParseJID(s string) (jid.JID, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return jid.JID{}, fmt.Errorf("parsing jid %q: %w", s, err)
	}
	return j, nil
}

// Bare returns the resource-stripped form of s, e.g.
// "alice@example.com/phone" becomes "alice@example.com".
func Bare(s string) (string, error) {
	j, err := ParseJID(s)
	if err != nil {
		return "", err
	}
	return j.Bare().String(), nil
}
