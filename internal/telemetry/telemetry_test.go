package telemetry

import (
	"context"
	"testing"

	"github.com/gofer-dev/gofer/internal/config"
)

func TestDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown returned %v", err)
	}
}

func TestUnknownProtocolRejected(t *testing.T) {
	_, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "carrier-pigeon",
	}, "test")
	if err == nil {
		t.Fatal("want error for unknown protocol")
	}
}
