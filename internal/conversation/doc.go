// Package conversation implements the one-to-one archive operations.
//
// # Removal
//
// RemovalHandler serves <remove-conversation xmlns="kewe:archive"/> IQs:
//
//	<iq type="set" id="rm-1" from="alice@example.com/phone">
//	  <remove-conversation xmlns="kewe:archive" participant="bob@example.com"/>
//	</iq>
//
// The handler resolves the requester's session by full JID, then flags two
// independent record sets on the requester's side only:
//
//  1. alice@example.com → bob@example.com, removed_by_from
//  2. bob@example.com → alice@example.com, removed_by_to
//
// Failed updates go to the configured FailurePolicy (LogAndContinue by
// default) and never block the other direction or the acknowledgement. The
// empty result IQ is pushed through the session; HandleIQ returns nil.
//
// When no session is bound to the sender, HandleIQ returns an
// internal-server-error IQ carrying the original payload. A missing or
// unparsable participant yields bad-request. Both are written back by the
// stream the request arrived on.
//
// # Relay
//
// Relay archives chat and normal messages under bare JIDs with a ULID id,
// then pushes them to every bound resource of the recipient.
//
// # History
//
// History lists what an owner can still see with one counterpart. Records
// the owner removed are hidden; the counterpart's view is unchanged.
package conversation
