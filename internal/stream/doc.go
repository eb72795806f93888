// Package stream serves XMPP client streams over WebSocket (RFC 7395).
//
// A client connects with a bearer JWT, either in the Authorization header or
// as the token query parameter, and must negotiate the "xmpp" subprotocol.
// The token's subject is the account's bare JID; the resource comes from the
// resource query parameter or is generated.
//
//	GET /xmpp-websocket?resource=phone
//	Authorization: Bearer <jwt>
//	Sec-WebSocket-Protocol: xmpp
//
// After the upgrade the stream is pending in the session registry. The
// client's <open/> binds it under its full JID and the server answers with
// its own <open/>. Every text frame carries exactly one element:
//
//   - <iq/> is stamped with the stream's address, checked against the
//     dedupe window, and routed; the router's reply is written back
//   - <message/> goes to the relay
//   - <close/> ends the stream
//
// IQs sent before <open/> are answered with not-authorized. A second stream
// claiming a bound full JID is closed.
//
// Each connection runs a read loop and a write loop. The write loop sends
// pings every PingInterval; the read deadline is ReadTimeout. Shutdown sends
// <close/> on every stream and waits for them to finish.
package stream
