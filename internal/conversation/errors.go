// ABOUTME: Sentinel errors for the conversation package
// ABOUTME: Surface as stanza error text or HTTP error bodies, never as Go errors to clients

package conversation

import "errors"

var errMissingParticipant = errors.New("participant attribute is required")

// ErrInvalidJID is returned by History for an unparsable owner or counterpart.
var ErrInvalidJID = errors.New("invalid jid")
