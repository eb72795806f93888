// Package stanza defines the XMPP stanzas the archive gateway reads and writes.
//
// # IQ
//
// IQ is a request/response stanza. Requests are of type get or set and carry
// exactly one child element (the payload); responses are of type result or
// error and echo the request id:
//
//	<iq type="set" id="r1" from="alice@example.com/phone">
//	  <remove-conversation xmlns="kewe:archive" participant="bob@example.com"/>
//	</iq>
//
// ResultIQ and ErrorIQ build correlated responses. ErrorIQ copies the request
// payload verbatim and attaches a defined condition from RFC 6120 §8.3.3.
//
// # Payloads
//
// Element keeps an unknown child element opaque: its qualified name, its
// attributes and its raw inner XML survive a decode/encode round trip, so a
// payload can be echoed back without the gateway understanding it.
//
// # Addresses
//
// Addresses travel as strings on the wire. ParseJID and Bare wrap
// mellium.im/xmpp/jid so handlers never split JIDs by hand.
package stanza
