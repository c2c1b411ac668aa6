package logbuf

import (
	"fmt"
	"log/slog"
	"testing"
)

func TestTailOrdering(t *testing.T) {
	b := New(4)
	logger := slog.New(b)
	for i := 0; i < 6; i++ {
		logger.Info(fmt.Sprintf("msg-%d", i))
	}

	got := b.Tail(0)
	if len(got) != 4 {
		t.Fatalf("retained %d records, want 4", len(got))
	}
	for i, rec := range got {
		want := fmt.Sprintf("msg-%d", i+2)
		if rec.Message != want {
			t.Errorf("record[%d] = %q, want %q", i, rec.Message, want)
		}
	}
}

func TestTailLimit(t *testing.T) {
	b := New(10)
	logger := slog.New(b)
	for i := 0; i < 5; i++ {
		logger.Warn(fmt.Sprintf("w-%d", i))
	}

	got := b.Tail(2)
	if len(got) != 2 || got[0].Message != "w-3" || got[1].Message != "w-4" {
		t.Errorf("Tail(2) = %+v", got)
	}
	if got[0].Level != slog.LevelWarn.String() {
		t.Errorf("level = %q", got[0].Level)
	}
}

func TestAttrsRecorded(t *testing.T) {
	b := New(10)
	logger := slog.New(b).With("channel", "tg")
	logger.Info("connected", "chat", "42")

	got := b.Tail(1)
	if len(got) != 1 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Attrs["channel"] != "tg" || got[0].Attrs["chat"] != "42" {
		t.Errorf("attrs = %v", got[0].Attrs)
	}
}

func TestEmptyTail(t *testing.T) {
	if got := New(8).Tail(5); len(got) != 0 {
		t.Errorf("Tail on empty ring = %v", got)
	}
}
