// Package sessions implements server-side client sessions.
//
// A Session is identified by a client id and session id chosen by the
// client, plus the resolved identity of the connecting user. It owns a
// request channel and a response channel (the same connection for fully
// duplex clients) and moves between three states:
//
//	Connected     reading requests, writing events
//	Disconnected  channel lost; events queue until a matching reconnect
//	Ended         cancelled, timed out or shut down; never reused
//
// Outbound events are queued in FIFO order and written by a single writer.
// An event leaves the queue only after it was written successfully, so a
// reconnect delivers everything emitted while the client was away, after a
// fresh session-started.
//
// Each received envelope is handed to a Dispatcher. When the envelope
// carries a request id, task-complete is emitted once the dispatched work
// settles: immediately for synchronous commands, otherwise after the
// operation finishes, a short settling delay and a drained queue.
package sessions
