// Package dedupe drops stanzas a client re-sends within a time window, for
// example after a reconnect replays its last request.
package dedupe
