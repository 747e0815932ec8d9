// Package connector implements the inbound message router of spec §4.9
// (C14): a connector is a plugin-declared bridge to an external platform
// (Discord, Telegram, a custom webhook), and every inbound message from
// one is validated on the untrusted side of the host boundary before it
// can reach a session's input channel.
//
// Grounded on `astrid_core::input::{MessageId, TaggedMessage}` for what a
// cross-platform inbound message carries (frontend tag, per-platform id,
// content) and `astrid-gateway/src/server/plugins.rs`'s
// `mpsc::Sender<InboundMessage>` for the bounded, drop-on-full channel
// shape.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

const (
	// MaxPayloadBytes is the maximum total notification payload size.
	MaxPayloadBytes = 1 << 20 // 1 MiB

	// MaxContextBytes is the maximum embedded context blob size.
	MaxContextBytes = 64 * 1024

	// MaxUserIDBytes is the maximum platform-user-id string length.
	MaxUserIDBytes = 512

	// MaxChannelNameBytes is the maximum channel name length.
	MaxChannelNameBytes = 128

	// MaxChannelsPerPlugin caps how many channels one plugin may register.
	MaxChannelsPerPlugin = 32

	// inboundChannelCapacity is the bounded mpsc-style channel size; a
	// full channel drops new messages rather than backpressuring the
	// plugin, so a misbehaving source can't stall the gateway.
	inboundChannelCapacity = 256
)

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ErrDropped is returned (never to the plugin, only to the caller of
// Route, for logging) when a message fails validation or the inbound
// channel is full.
type ErrDropped struct {
	Reason string
}

func (e *ErrDropped) Error() string { return "connector: dropped: " + e.Reason }

// Descriptor is a connector a plugin has registered: a named bridge to
// one platform, optionally scoped to specific channels.
type Descriptor struct {
	PluginID string
	Name     string
	Platform string // "discord"|"telegram"|"custom:<plugin_id>"|...
	Channels []string
}

// InboundMessage is one message arriving from an external platform,
// before it has been attributed to a session.
type InboundMessage struct {
	PluginID    string          `json:"pluginID"`
	ChannelName string          `json:"channelName,omitempty"`
	PlatformTag string          `json:"platformTag,omitempty"`
	UserID      string          `json:"userID"`
	Content     string          `json:"content"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// size is an upper-bound estimate of the wire payload this message would
// occupy, used for the 1 MiB total-payload ceiling.
func (m InboundMessage) size() int {
	return len(m.PluginID) + len(m.ChannelName) + len(m.PlatformTag) + len(m.UserID) + len(m.Content) + len(m.Context)
}

// Router resolves connectors and validates+delivers inbound messages
// onto a bounded per-session channel.
type Router struct {
	mu         sync.Mutex
	connectors map[string][]Descriptor // pluginID -> descriptors
	inbound    chan InboundMessage
}

// New creates an empty router with its bounded inbound channel.
func New() *Router {
	return &Router{
		connectors: make(map[string][]Descriptor),
		inbound:    make(chan InboundMessage, inboundChannelCapacity),
	}
}

// Inbound returns the channel delivered messages land on.
func (r *Router) Inbound() <-chan InboundMessage {
	return r.inbound
}

// RegisterConnector adds a connector descriptor for a plugin, rejecting
// duplicates by (name, platform) and enforcing the per-plugin channel
// count ceiling.
func (r *Router) RegisterConnector(d Descriptor) error {
	if d.PluginID == "" {
		return fmt.Errorf("connector: empty plugin id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.connectors[d.PluginID]
	if len(existing) >= MaxChannelsPerPlugin {
		return fmt.Errorf("connector: registration limit reached for plugin %q", d.PluginID)
	}
	for _, e := range existing {
		if e.Name == d.Name && e.Platform == d.Platform {
			return fmt.Errorf("connector: duplicate connector %q/%q for plugin %q", d.Name, d.Platform, d.PluginID)
		}
	}
	r.connectors[d.PluginID] = append(existing, d)
	return nil
}

// Connectors returns the connectors registered for a plugin.
func (r *Router) Connectors(pluginID string) []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, len(r.connectors[pluginID]))
	copy(out, r.connectors[pluginID])
	return out
}

// ResolvePlatform implements §4.9's resolution fallback chain: look up a
// connector by (plugin_id, channel_name) if the channel is present;
// otherwise fall back to the plugin's first declared connector; if none
// is registered, default to "custom:<plugin_id>".
func (r *Router) ResolvePlatform(pluginID, channelName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	descs := r.connectors[pluginID]
	if channelName != "" {
		for _, d := range descs {
			for _, ch := range d.Channels {
				if ch == channelName {
					return d.Platform
				}
			}
		}
	}
	if len(descs) > 0 {
		return descs[0].Platform
	}
	return "custom:" + pluginID
}

// Validate applies every §4.9 validation rule to msg, returning a
// descriptive error on the first violation. It never mutates msg.
func (r *Router) Validate(expectedPluginID string, msg InboundMessage) error {
	if msg.size() > MaxPayloadBytes {
		return &ErrDropped{Reason: "payload exceeds 1 MiB"}
	}
	if len(msg.Context) > MaxContextBytes {
		return &ErrDropped{Reason: "context blob exceeds 64 KiB"}
	}
	if len(msg.UserID) > MaxUserIDBytes {
		return &ErrDropped{Reason: "user id exceeds 512 bytes"}
	}
	if msg.ChannelName != "" {
		if len(msg.ChannelName) > MaxChannelNameBytes {
			return &ErrDropped{Reason: "channel name exceeds 128 bytes"}
		}
		if !channelNamePattern.MatchString(msg.ChannelName) {
			return &ErrDropped{Reason: "channel name contains disallowed characters"}
		}
	}
	if msg.PluginID == "" {
		return &ErrDropped{Reason: "empty plugin id"}
	}
	if msg.PluginID != expectedPluginID {
		return &ErrDropped{Reason: fmt.Sprintf("plugin id mismatch: channel bound to %q, message claims %q", expectedPluginID, msg.PluginID)}
	}
	if msg.Content == "" || msg.Content == "null" {
		return &ErrDropped{Reason: "empty or null content"}
	}
	return nil
}

// Route validates msg (the channel it arrived on is bound to
// expectedPluginID) and, if it passes, attempts to deliver it onto the
// bounded inbound channel. A full channel drops the message rather than
// blocking — a misbehaving plugin must not stall the gateway.
func (r *Router) Route(ctx context.Context, expectedPluginID string, msg InboundMessage) error {
	if err := r.Validate(expectedPluginID, msg); err != nil {
		return err
	}
	if msg.PlatformTag == "" {
		msg.PlatformTag = r.ResolvePlatform(msg.PluginID, msg.ChannelName)
	}

	select {
	case r.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return &ErrDropped{Reason: "inbound channel full"}
	}
}

// NormalizeContent serializes non-string content to JSON, matching the
// WASM/subprocess host ABI's "non-string content is serialized to JSON
// for transport" rule.
func NormalizeContent(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	if v == nil {
		return "", fmt.Errorf("connector: nil content")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("connector: marshal content: %w", err)
	}
	return string(data), nil
}
