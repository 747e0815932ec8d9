package subprocess

import "encoding/json"

// NoticeKind closes the set of ServerNotice shapes the host surfaces.
type NoticeKind string

const (
	NoticeToolsListChanged   NoticeKind = "tools_list_changed"
	NoticeConnectorRegistered NoticeKind = "connector_registered"
	NoticeInboundMessage     NoticeKind = "inbound_message"
	NoticeConfigChanged      NoticeKind = "config_changed"
)

// serverNoticeCapacity bounds the channel a client drains; like the
// connector package's inbound channel, a full buffer drops the oldest
// pending notice rather than blocking the subprocess's read loop.
const serverNoticeCapacity = 256

// ServerNotice is one out-of-band announcement from a subprocess
// plugin, surfaced to client code independent of any in-flight tool
// call (spec §4.11).
type ServerNotice struct {
	Kind     NoticeKind
	PluginID string
	Payload  json.RawMessage
}
