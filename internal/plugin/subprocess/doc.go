// Package subprocess implements the subprocess plugin host of spec §4.11
// (C13): a plugin shipped as an external binary that speaks the Model
// Context Protocol over stdio. The host spawns the binary, performs the
// initialization handshake, bridges requests the server initiates back
// into the runtime (sampling, roots, elicitation), surfaces a bounded
// ServerNotice stream for `tools/list_changed` and astrid-specific
// custom notifications, and maintains an atomic restart counter.
//
// Grounded on internal/mcp/transport.go's StdioTransport (the
// request/pending-map/readLoop shape is kept) generalized to also
// dispatch *inbound* server-initiated requests and notifications, which
// the teacher's transport only ever discarded. Custom notification
// validation reuses internal/connector's §4.9 rules verbatim, since a
// subprocess plugin's custom notifications are held to the same
// anti-spoof and size-cap bar as a WASM guest's.
package subprocess
