// Package channels manages messaging-surface plugins (Telegram, Discord) and
// routes traffic between them and the agent runtimes.
package channels

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gofer-dev/gofer/internal/bus"
)

// State is a plugin's lifecycle position.
type State string

const (
	StateRegistered State = "registered"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
	// StateError absorbs until the next explicit command: a failed plugin
	// stays failed, but a start or stop can take it out again.
	StateError State = "error"
)

// validTransitions is the lifecycle state machine. Error is reachable from
// anywhere; leaving it takes an explicit start or stop.
var validTransitions = map[State][]State{
	StateRegistered: {StateStarting, StateError},
	StateStarting:   {StateRunning, StateError},
	StateRunning:    {StateStopping, StateError},
	StateStopping:   {StateStopped, StateError},
	StateStopped:    {StateStarting, StateError},
	StateError:      {StateStarting, StateStopping},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// OutboundMessage is a reply heading to a channel.
type OutboundMessage struct {
	ChatID  string
	Text    string
	ReplyTo string
	Media   []bus.MediaAttachment
}

// Plugin is one messaging surface. Start returns once the plugin is receiving
// traffic; Stop blocks until it has drained.
type Plugin interface {
	ID() string
	Kind() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	SetHandler(h bus.InboundHandler)
}

// DM admission policies.
const (
	DMPolicyOpen      = "open"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
)

// BasePlugin carries the plumbing every adapter shares: identity, the inbound
// handler, and DM admission.
type BasePlugin struct {
	id   string
	kind string

	mu        sync.RWMutex
	handler   bus.InboundHandler
	dmPolicy  string
	allowFrom []string
	paired    map[string]bool
}

// NewBasePlugin builds the shared plumbing. An empty dmPolicy means open.
func NewBasePlugin(id, kind, dmPolicy string, allowFrom []string) BasePlugin {
	if dmPolicy == "" {
		dmPolicy = DMPolicyOpen
	}
	return BasePlugin{
		id:        id,
		kind:      kind,
		dmPolicy:  dmPolicy,
		allowFrom: allowFrom,
		paired:    map[string]bool{},
	}
}

func (b *BasePlugin) ID() string   { return b.id }
func (b *BasePlugin) Kind() string { return b.kind }

// SetHandler installs the inbound handler. The manager calls this at
// registration; adapters call Deliver for each received message.
func (b *BasePlugin) SetHandler(h bus.InboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Admit applies the DM policy to a sender.
func (b *BasePlugin) Admit(senderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch b.dmPolicy {
	case DMPolicyAllowlist:
		return slices.Contains(b.allowFrom, senderID)
	case DMPolicyPairing:
		return b.paired[senderID] || slices.Contains(b.allowFrom, senderID)
	default:
		return true
	}
}

// Pair marks a sender as paired for the pairing policy.
func (b *BasePlugin) Pair(senderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paired[senderID] = true
}

// Deliver runs admission and hands the message to the installed handler.
func (b *BasePlugin) Deliver(msg bus.InboundMessage) error {
	if !b.Admit(msg.SenderID) {
		return fmt.Errorf("channel %s: sender %s not admitted", b.id, msg.SenderID)
	}
	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("channel %s: no inbound handler installed", b.id)
	}
	return h(msg)
}
