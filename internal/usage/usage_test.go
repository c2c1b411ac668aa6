package usage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/gofer-dev/gofer/internal/providers"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage providers.Usage
		want  float64
	}{
		{"sonnet", "anthropic/claude-sonnet-4", providers.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 18.00},
		{"longest prefix wins", "openai/gpt-4o-mini", providers.Usage{InputTokens: 1_000_000}, 0.15},
		{"unknown model uses default", "mystery/model-x", providers.Usage{OutputTokens: 1_000_000}, 15.00},
		{"zero usage", "gpt-4o", providers.Usage{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cost(tt.model, tt.usage); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	ctx := context.Background()

	if err := l.Record(ctx, "tg-42", "default", "anthropic/claude-sonnet-4",
		providers.Usage{InputTokens: 1000, OutputTokens: 500}); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, "tg-42", "default", "openai/gpt-4o",
		providers.Usage{InputTokens: 2000, OutputTokens: 100}); err != nil {
		t.Fatal(err)
	}

	sum, err := l.Summarize(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Turns != 2 {
		t.Errorf("turns = %d, want 2", sum.Turns)
	}
	if sum.InputTokens != 3000 || sum.OutputTokens != 600 {
		t.Errorf("tokens = %d/%d", sum.InputTokens, sum.OutputTokens)
	}
	if len(sum.Models) != 2 {
		t.Errorf("models = %+v", sum.Models)
	}
	if sum.CostUSD <= 0 {
		t.Errorf("cost = %f", sum.CostUSD)
	}
}

func TestSummarizeWindow(t *testing.T) {
	l, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	ctx := context.Background()

	if err := l.Record(ctx, "s", "a", "gpt-4o", providers.Usage{InputTokens: 10}); err != nil {
		t.Fatal(err)
	}

	sum, err := l.Summarize(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Turns != 0 || len(sum.Models) != 0 {
		t.Errorf("future window returned %+v", sum)
	}
}
