//go:build tsnet

package gateway

import (
	"fmt"
	"net"

	"tailscale.com/tsnet"

	"github.com/gofer-dev/gofer/internal/config"
)

// tailscaleListener joins the tailnet and listens on the gateway port there.
// The node state lives in cfg.StateDir so restarts keep the identity.
func tailscaleListener(cfg config.TailscaleConfig, port int) (net.Listener, error) {
	srv := &tsnet.Server{
		Hostname: cfg.Hostname,
		AuthKey:  cfg.AuthKey,
		Dir:      cfg.StateDir,
	}
	ln, err := srv.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("tsnet listen: %w", err)
	}
	return ln, nil
}
