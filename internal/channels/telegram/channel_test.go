package telegram

import (
	"testing"

	"github.com/gofer-dev/gofer/internal/config"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New("tg", config.ChannelConfig{}); err == nil {
		t.Fatal("want error for missing bot token")
	}
}
