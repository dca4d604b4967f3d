// Package protocol implements the textual envelope exchanged between the
// daemon and its clients.
//
// An envelope is a command token followed by URL-encoded key/value pairs:
//
//	install-package?canonical-name=foo-1.0.0.0-x86-deadbeef&rqid=7
//
// Repeated keys, or keys of the form key[n], carry ordered collections. The
// rqid key correlates a request with the events it produces and with the
// final task-complete envelope.
//
// Server-to-client messages are modelled as Event values; each event type
// renders itself to exactly one Envelope, so the set of things the daemon
// can say is fixed at compile time.
package protocol
