//go:build !tsnet

package gateway

import (
	"fmt"
	"net"

	"github.com/gofer-dev/gofer/internal/config"
)

func tailscaleListener(config.TailscaleConfig, int) (net.Listener, error) {
	return nil, fmt.Errorf("built without tsnet support; rebuild with -tags tsnet")
}
