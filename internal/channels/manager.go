package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

const eventSource = "channel-manager"

// stateEvents maps lifecycle transitions to their announcements.
var stateEvents = map[State]string{
	StateRegistered: protocol.EventChannelRegistered,
	StateStarting:   protocol.EventChannelStarting,
	StateRunning:    protocol.EventChannelStarted,
	StateStopping:   protocol.EventChannelStopping,
	StateStopped:    protocol.EventChannelStopped,
	StateError:      protocol.EventChannelError,
}

// InboundDispatcher receives admitted inbound messages for turn scheduling.
// Implementations must not block: the adapter's receive loop is the caller.
type InboundDispatcher func(msg bus.InboundMessage)

// Status describes one channel for channels.list / channels.status.
type Status struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	State State  `json:"state"`
	Error string `json:"error,omitempty"`
}

type instance struct {
	plugin Plugin
	mu     sync.Mutex
	state  State
	err    string
}

// Manager owns the registered channel plugins: lifecycle, inbound routing,
// and delivery of agent output back to the originating chat.
type Manager struct {
	events   *bus.Bus
	dispatch InboundDispatcher

	mu        sync.RWMutex
	instances map[string]*instance
}

// NewManager builds a manager publishing lifecycle events on the bus.
func NewManager(events *bus.Bus, dispatch InboundDispatcher) *Manager {
	m := &Manager{
		events:    events,
		dispatch:  dispatch,
		instances: map[string]*instance{},
	}
	events.Subscribe(protocol.EventAgentTurnComplete, m.handleTurnComplete)
	events.Subscribe(protocol.EventAgentFileGenerated, m.handleFileGenerated)
	return m
}

// Register adds a plugin in the REGISTERED state and installs the inbound
// route. Registering an id twice is an error.
func (m *Manager) Register(p Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[p.ID()]; exists {
		return fmt.Errorf("channels: %s already registered", p.ID())
	}

	channelID := p.ID()
	p.SetHandler(func(msg bus.InboundMessage) error {
		msg.ChannelID = channelID
		m.dispatch(msg)
		return nil
	})

	inst := &instance{plugin: p, state: StateRegistered}
	m.instances[channelID] = inst
	m.announce(inst)
	return nil
}

// transition moves an instance through the lifecycle, rejecting illegal
// moves. Error state is always reachable.
func (m *Manager) transition(inst *instance, to State, cause error) error {
	inst.mu.Lock()
	from := inst.state
	if !CanTransition(from, to) {
		inst.mu.Unlock()
		return fmt.Errorf("channels: %s: illegal transition %s -> %s", inst.plugin.ID(), from, to)
	}
	inst.state = to
	if cause != nil {
		inst.err = cause.Error()
	} else if from == StateError {
		inst.err = ""
	}
	inst.mu.Unlock()
	m.announce(inst)
	return nil
}

func (m *Manager) announce(inst *instance) {
	inst.mu.Lock()
	state, errText := inst.state, inst.err
	inst.mu.Unlock()

	data := map[string]any{"kind": inst.plugin.Kind(), "state": string(state)}
	if errText != "" && state == StateError {
		data["error"] = errText
	}
	m.events.Publish(bus.Event{
		Type:      stateEvents[state],
		Source:    eventSource,
		Timestamp: time.Now(),
		ChannelID: inst.plugin.ID(),
		Data:      data,
	})
}

// StartAll starts every registered plugin. One plugin failing to start does
// not stop the others; it lands in the ERROR state.
func (m *Manager) StartAll(ctx context.Context) {
	for _, inst := range m.snapshot() {
		m.startOne(ctx, inst)
	}
}

func (m *Manager) startOne(ctx context.Context, inst *instance) {
	id := inst.plugin.ID()

	inst.mu.Lock()
	failed := inst.state == StateError
	inst.mu.Unlock()
	if failed {
		// A failed plugin is torn down before the restart so the adapter
		// never sees Start twice without a Stop in between.
		if err := m.transition(inst, StateStopping, nil); err == nil {
			if err := inst.plugin.Stop(ctx); err != nil {
				slog.Warn("channels: cleanup stop failed", "channel", id, "error", err)
			}
			_ = m.transition(inst, StateStopped, nil)
		}
	}

	if err := m.transition(inst, StateStarting, nil); err != nil {
		slog.Warn("channels: skipping start", "channel", id, "error", err)
		return
	}
	if err := inst.plugin.Start(ctx); err != nil {
		slog.Error("channels: start failed", "channel", id, "error", err)
		_ = m.transition(inst, StateError, err)
		return
	}
	if err := m.transition(inst, StateRunning, nil); err != nil {
		slog.Warn("channels: start race", "channel", id, "error", err)
		return
	}
	m.events.Publish(bus.Event{
		Type:      protocol.EventChannelReady,
		Source:    eventSource,
		Timestamp: time.Now(),
		ChannelID: id,
		Data:      map[string]any{"kind": inst.plugin.Kind()},
	})
	slog.Info("channels: started", "channel", id, "kind", inst.plugin.Kind())
}

// StopAll stops every running plugin, tolerating individual failures.
func (m *Manager) StopAll(ctx context.Context) {
	for _, inst := range m.snapshot() {
		id := inst.plugin.ID()
		if err := m.transition(inst, StateStopping, nil); err != nil {
			continue // not running
		}
		if err := inst.plugin.Stop(ctx); err != nil {
			slog.Error("channels: stop failed", "channel", id, "error", err)
			_ = m.transition(inst, StateError, err)
			continue
		}
		_ = m.transition(inst, StateStopped, nil)
		slog.Info("channels: stopped", "channel", id)
	}
}

func (m *Manager) snapshot() []*instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// Statuses reports every channel's state.
func (m *Manager) Statuses() []Status {
	out := make([]Status, 0)
	for _, inst := range m.snapshot() {
		inst.mu.Lock()
		out = append(out, Status{
			ID:    inst.plugin.ID(),
			Kind:  inst.plugin.Kind(),
			State: inst.state,
			Error: inst.err,
		})
		inst.mu.Unlock()
	}
	return out
}

// resolveSession maps a session id back to the owning channel and chat.
// Session ids are "<channel_id>-<chat_id>"; the longest registered channel id
// wins so channel ids containing dashes resolve correctly.
func (m *Manager) resolveSession(sessionID string) (*instance, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *instance
	bestLen := -1
	var chatID string
	for id, inst := range m.instances {
		prefix := id + "-"
		if strings.HasPrefix(sessionID, prefix) && len(id) > bestLen {
			best = inst
			bestLen = len(id)
			chatID = sessionID[len(prefix):]
		}
	}
	return best, chatID
}

// handleTurnComplete delivers the final reply to the chat that asked.
func (m *Manager) handleTurnComplete(e bus.Event) {
	inst, chatID := m.resolveSession(e.SessionID)
	if inst == nil {
		return // gateway-originated session, nothing to route
	}
	reply, _ := e.Data["reply"].(string)
	if reply == "" {
		return
	}
	if cancelled, _ := e.Data["cancelled"].(bool); cancelled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := inst.plugin.Send(ctx, OutboundMessage{ChatID: chatID, Text: reply}); err != nil {
		slog.Error("channels: reply delivery failed",
			"channel", inst.plugin.ID(), "chat", chatID, "error", err)
	}
}

// handleFileGenerated auto-sends tool-generated files to the originating chat.
func (m *Manager) handleFileGenerated(e bus.Event) {
	inst, chatID := m.resolveSession(e.SessionID)
	if inst == nil {
		return
	}
	path, _ := e.Data["file_path"].(string)
	if path == "" {
		return
	}
	caption, _ := e.Data["caption"].(string)
	kind := bus.MediaDocument
	if t, _ := e.Data["file_type"].(string); isImageType(t) {
		kind = bus.MediaImage
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	err := inst.plugin.Send(ctx, OutboundMessage{
		ChatID: chatID,
		Media:  []bus.MediaAttachment{{URL: path, Kind: kind, Caption: TrimCaption(caption)}},
	})
	if err != nil {
		slog.Error("channels: file delivery failed",
			"channel", inst.plugin.ID(), "chat", chatID, "file", path, "error", err)
	}
}

func isImageType(t string) bool {
	switch strings.ToLower(t) {
	case "png", "jpg", "jpeg", "gif", "webp":
		return true
	}
	return false
}
