package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

// fakePlugin records sends and can be told to fail on start.
type fakePlugin struct {
	BasePlugin
	mu       sync.Mutex
	startErr error
	sent     []OutboundMessage
	started  bool
	stopped  bool
}

func newFakePlugin(id string) *fakePlugin {
	return &fakePlugin{BasePlugin: NewBasePlugin(id, "fake", "", nil)}
}

func (p *fakePlugin) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	return nil
}

func (p *fakePlugin) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakePlugin) Send(_ context.Context, msg OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePlugin) sentMessages() []OutboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OutboundMessage, len(p.sent))
	copy(out, p.sent)
	return out
}

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateRegistered, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateStarting, true},
		{StateRegistered, StateRunning, false},
		{StateRunning, StateStarting, false},
		{StateRunning, StateError, true},
		{StateError, StateStarting, true}, // explicit restart leaves error
		{StateError, StateStopping, true}, // explicit stop leaves error
		{StateError, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartAllIsolatesFailures(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})

	good := newFakePlugin("good")
	bad := newFakePlugin("bad")
	bad.startErr = errors.New("token rejected")
	if err := m.Register(good); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(bad); err != nil {
		t.Fatal(err)
	}

	m.StartAll(context.Background())

	statuses := map[string]Status{}
	for _, st := range m.Statuses() {
		statuses[st.ID] = st
	}
	if statuses["good"].State != StateRunning {
		t.Errorf("good = %+v", statuses["good"])
	}
	if statuses["bad"].State != StateError || !strings.Contains(statuses["bad"].Error, "token rejected") {
		t.Errorf("bad = %+v", statuses["bad"])
	}
}

func TestDuplicateRegistration(t *testing.T) {
	m := NewManager(bus.New(), func(bus.InboundMessage) {})
	if err := m.Register(newFakePlugin("x")); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFakePlugin("x")); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestLifecycleEvents(t *testing.T) {
	events := bus.New()
	var mu sync.Mutex
	var seen []string
	events.Subscribe(protocol.Wildcard, func(e bus.Event) {
		if strings.HasPrefix(e.Type, "channel.") {
			mu.Lock()
			seen = append(seen, e.Type)
			mu.Unlock()
		}
	})

	m := NewManager(events, func(bus.InboundMessage) {})
	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}
	m.StartAll(context.Background())
	m.StopAll(context.Background())

	want := []string{
		protocol.EventChannelRegistered,
		protocol.EventChannelStarting,
		protocol.EventChannelStarted,
		protocol.EventChannelReady,
		protocol.EventChannelStopping,
		protocol.EventChannelStopped,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestInboundRouting(t *testing.T) {
	var mu sync.Mutex
	var got []bus.InboundMessage
	m := NewManager(bus.New(), func(msg bus.InboundMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}

	if err := p.Deliver(bus.InboundMessage{ChatID: "42", SenderID: "u1", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ChannelID != "tg" || got[0].Text != "hi" {
		t.Errorf("dispatched = %+v", got)
	}
}

func TestDMPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   string
		allow    []string
		pair     string
		sender   string
		admitted bool
	}{
		{"open admits anyone", DMPolicyOpen, nil, "", "stranger", true},
		{"allowlist admits listed", DMPolicyAllowlist, []string{"u1"}, "", "u1", true},
		{"allowlist rejects others", DMPolicyAllowlist, []string{"u1"}, "", "u2", false},
		{"pairing rejects unpaired", DMPolicyPairing, nil, "", "u1", false},
		{"pairing admits paired", DMPolicyPairing, nil, "u1", "u1", true},
		{"pairing admits allowlisted", DMPolicyPairing, []string{"u3"}, "", "u3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBasePlugin("tg", "telegram", tt.policy, tt.allow)
			if tt.pair != "" {
				b.Pair(tt.pair)
			}
			if got := b.Admit(tt.sender); got != tt.admitted {
				t.Errorf("Admit(%q) = %v, want %v", tt.sender, got, tt.admitted)
			}
		})
	}
}

func TestTurnCompleteRouting(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})
	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}

	events.Publish(bus.Event{
		Type:      protocol.EventAgentTurnComplete,
		SessionID: "tg-42",
		Data:      map[string]any{"reply": "all done"},
	})

	sent := p.sentMessages()
	if len(sent) != 1 || sent[0].ChatID != "42" || sent[0].Text != "all done" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestTurnCompleteIgnoresForeignSessions(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})
	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}

	events.Publish(bus.Event{
		Type:      protocol.EventAgentTurnComplete,
		SessionID: "cli-direct",
		Data:      map[string]any{"reply": "x"},
	})
	if len(p.sentMessages()) != 0 {
		t.Error("gateway session reply should not route to a channel")
	}
}

func TestFileGeneratedRouting(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})
	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}

	events.Publish(bus.Event{
		Type:      protocol.EventAgentFileGenerated,
		SessionID: "tg-42",
		Data: map[string]any{
			"file_path": "/tmp/report.png",
			"file_type": "png",
			"caption":   "weekly report",
		},
	})

	sent := p.sentMessages()
	if len(sent) != 1 || len(sent[0].Media) != 1 {
		t.Fatalf("sent = %+v", sent)
	}
	media := sent[0].Media[0]
	if media.URL != "/tmp/report.png" || media.Kind != bus.MediaImage || media.Caption != "weekly report" {
		t.Errorf("media = %+v", media)
	}
}

func TestResolveSessionLongestPrefix(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})
	short := newFakePlugin("tg")
	long := newFakePlugin("tg-work")
	if err := m.Register(short); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(long); err != nil {
		t.Fatal(err)
	}

	inst, chatID := m.resolveSession("tg-work-99")
	if inst == nil || inst.plugin.ID() != "tg-work" || chatID != "99" {
		t.Errorf("resolved = %v, chat %q", inst, chatID)
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int // chunk count; -1 means just verify limits
	}{
		{"fits", "short", 100, 1},
		{"paragraph split", strings.Repeat("para one\n\n", 5), 25, -1},
		{"hard split long word", strings.Repeat("a", 95), 30, 4},
		{"empty", "", 10, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := SplitMessage(tt.text, tt.limit)
			if tt.want >= 0 && len(chunks) != tt.want {
				t.Errorf("chunks = %d (%q), want %d", len(chunks), chunks, tt.want)
			}
			for _, c := range chunks {
				if runewidth.StringWidth(c) > tt.limit {
					t.Errorf("chunk %q exceeds limit %d", c, tt.limit)
				}
			}
		})
	}
}

func TestSplitMessagePreservesContent(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph with more words\n\nthird"
	chunks := SplitMessage(text, 25)
	joined := strings.Join(chunks, "")
	for _, word := range []string{"first", "second", "third", "words"} {
		if !strings.Contains(joined, word) {
			t.Errorf("word %q lost in chunking: %q", word, chunks)
		}
	}
}

func TestTrimCaption(t *testing.T) {
	short := "fine"
	if got := TrimCaption(short); got != short {
		t.Errorf("short caption changed: %q", got)
	}
	long := strings.Repeat("x", CaptionLimit+100)
	got := TrimCaption(long)
	if runewidth.StringWidth(got) > CaptionLimit {
		t.Errorf("trimmed caption still too wide: %d", runewidth.StringWidth(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("trimmed caption should end with ellipsis")
	}
}

func TestFailedChannelRestarts(t *testing.T) {
	events := bus.New()
	m := NewManager(events, func(bus.InboundMessage) {})
	p := newFakePlugin("flaky")
	p.startErr = errors.New("token rejected")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}

	m.StartAll(context.Background())
	if st := m.Statuses()[0]; st.State != StateError {
		t.Fatalf("state after failed start = %s, want error", st.State)
	}

	p.mu.Lock()
	p.startErr = nil
	p.mu.Unlock()
	m.StartAll(context.Background())

	st := m.Statuses()[0]
	if st.State != StateRunning {
		t.Fatalf("state after restart = %s, want running", st.State)
	}
	if st.Error != "" {
		t.Errorf("error not cleared after restart: %q", st.Error)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		t.Error("restart should tear the failed plugin down first")
	}
	if !p.started {
		t.Error("plugin never started after recovery")
	}
}

func TestStopAllStopsFailedChannel(t *testing.T) {
	m := NewManager(bus.New(), func(bus.InboundMessage) {})
	p := newFakePlugin("flaky")
	p.startErr = errors.New("boom")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}
	m.StartAll(context.Background())
	m.StopAll(context.Background())

	if st := m.Statuses()[0]; st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.State)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		t.Error("StopAll should stop a failed plugin")
	}
}

func TestStopAllOnlyStopsRunning(t *testing.T) {
	m := NewManager(bus.New(), func(bus.InboundMessage) {})
	p := newFakePlugin("tg")
	if err := m.Register(p); err != nil {
		t.Fatal(err)
	}
	// Never started: StopAll must not call Stop.
	m.StopAll(context.Background())
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		t.Error("Stop called on a never-started plugin")
	}
}
