package auth

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "auth-profiles.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNextAvailableLRU(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka", LastUsed: time.Now().Add(-time.Hour)})
	s.Add(Profile{ID: "b", Provider: "anthropic", APIKey: "kb", LastUsed: time.Now().Add(-2 * time.Hour)})
	s.Add(Profile{ID: "c", Provider: "openai", APIKey: "kc", LastUsed: time.Time{}})

	// b is least recently used among anthropic profiles.
	got := s.NextAvailable("anthropic", "")
	if got == nil || got.ID != "b" {
		t.Fatalf("NextAvailable = %+v, want b", got)
	}
	// b's LastUsed was refreshed, so a comes next.
	got = s.NextAvailable("anthropic", "")
	if got == nil || got.ID != "a" {
		t.Fatalf("NextAvailable = %+v, want a", got)
	}
}

func TestNextAvailablePreferred(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka", LastUsed: time.Now().Add(-time.Hour)})
	s.Add(Profile{ID: "b", Provider: "anthropic", APIKey: "kb", LastUsed: time.Now().Add(-2 * time.Hour)})

	got := s.NextAvailable("anthropic", "a")
	if got == nil || got.ID != "a" {
		t.Fatalf("preferred ignored: %+v", got)
	}
}

func TestNextAvailablePreferredOnCooldownFallsBack(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka", CooldownUntil: time.Now().Add(time.Hour)})
	s.Add(Profile{ID: "b", Provider: "anthropic", APIKey: "kb"})

	got := s.NextAvailable("anthropic", "a")
	if got == nil || got.ID != "b" {
		t.Fatalf("want fallback to b, got %+v", got)
	}
}

func TestRateLimitImmediateCooldown(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka"})

	s.RecordFailure("a", true)
	if got := s.NextAvailable("anthropic", ""); got != nil {
		t.Fatalf("rate-limited profile should be on cooldown, got %+v", got)
	}
}

func TestFailureThresholdCooldown(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka"})

	s.RecordFailure("a", false)
	s.RecordFailure("a", false)
	if got := s.NextAvailable("anthropic", ""); got == nil {
		t.Fatal("two failures should not cool down yet")
	}
	s.RecordFailure("a", false)
	if got := s.NextAvailable("anthropic", ""); got != nil {
		t.Fatalf("third failure should trip cooldown, got %+v", got)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "ka"})
	s.RecordFailure("a", true)

	s.RecordSuccess("a")
	if got := s.NextAvailable("anthropic", ""); got == nil || got.ID != "a" {
		t.Fatalf("success should clear cooldown, got %+v", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth-profiles.json")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "secret"})
	s.RecordFailure("a", true)

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.NextAvailable("anthropic", "")
	if got != nil {
		t.Fatalf("cooldown should survive reload, got %+v", got)
	}
}

func TestProfilesRedactsKeys(t *testing.T) {
	s := newTestStore(t)
	s.Add(Profile{ID: "a", Provider: "anthropic", APIKey: "secret"})
	for _, p := range s.Profiles() {
		if p.APIKey == "secret" {
			t.Error("snapshot leaked the api key")
		}
	}
}
