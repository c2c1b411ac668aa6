package gateway

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gofer-dev/gofer/pkg/protocol"
)

// challengeMaxAge bounds how long a signed nonce stays valid.
const challengeMaxAge = 2 * time.Minute

type connectParams struct {
	MinProtocol int `json:"minProtocol"`
	MaxProtocol int `json:"maxProtocol"`
	Client      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client"`
	Auth struct {
		Token    string      `json:"token,omitempty"`
		Password string      `json:"password,omitempty"`
		Device   *deviceAuth `json:"device,omitempty"`
	} `json:"auth"`
}

type deviceAuth struct {
	ID        string   `json:"id"`
	PublicKey string   `json:"publicKey"` // base64 ed25519
	Signature string   `json:"signature"` // base64, over the challenge nonce
	Scopes    []string `json:"scopes,omitempty"`
}

// handleConnect runs the handshake: protocol negotiation, then
// authentication, then the hello snapshot. Any failure answers
// HANDSHAKE_FAILED and drops the connection.
func (s *Server) handleConnect(_ context.Context, c *Client, req *protocol.Request) []byte {
	fail := func(msg string) []byte {
		slog.Warn("security.handshake_failed", "client", c.id, "remote", c.remoteAddr, "reason", msg)
		frame := encodeErr(req, protocol.NewError(protocol.CodeHandshakeFailed, msg))
		// Give the write pump a beat to flush the error before teardown.
		time.AfterFunc(200*time.Millisecond, c.Close)
		return frame
	}

	var params connectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(fmt.Sprintf("malformed connect params: %v", err))
		}
	}
	if params.MaxProtocol == 0 {
		params.MaxProtocol = protocol.ProtocolVersionMax
	}
	if params.MinProtocol == 0 {
		params.MinProtocol = protocol.ProtocolVersionMin
	}

	version, ok := negotiate(params.MinProtocol, params.MaxProtocol)
	if !ok {
		return fail(fmt.Sprintf("no mutual protocol version: client [%d,%d], server [%d,%d]",
			params.MinProtocol, params.MaxProtocol,
			protocol.ProtocolVersionMin, protocol.ProtocolVersionMax))
	}

	scopes, err := s.authenticate(c, &params)
	if err != nil {
		return fail(err.Error())
	}

	c.mu.Lock()
	c.clientName = params.Client.Name
	for _, scope := range scopes {
		c.scopes[scope] = true
	}
	c.mu.Unlock()
	c.protoVer.Store(int32(version))
	c.authed.Store(true)

	hello := s.helloPayload(version)
	slog.Info("gateway: client connected",
		"client", c.id, "name", params.Client.Name, "protocol", version)
	s.events.Publish(newGatewayEvent(protocol.EventGatewayClientConnected, map[string]any{
		"client_id": c.id,
		"name":      params.Client.Name,
		"protocol":  version,
	}))

	frame, encErr := protocol.EncodeResult(req, hello)
	if encErr != nil {
		return fail("internal: hello encoding failed")
	}
	return frame
}

// negotiate picks the highest version in the intersection of the client's and
// server's windows.
func negotiate(clientMin, clientMax int) (int, bool) {
	if clientMin > clientMax {
		return 0, false
	}
	high := clientMax
	if high > protocol.ProtocolVersionMax {
		high = protocol.ProtocolVersionMax
	}
	if high < clientMin || high < protocol.ProtocolVersionMin {
		return 0, false
	}
	return high, true
}

// authenticate applies the configured auth mode and returns the granted
// scopes.
func (s *Server) authenticate(c *Client, params *connectParams) ([]string, error) {
	auth := s.cfg.Gateway.Auth
	switch auth.Mode {
	case "", "none":
		// Without a shared secret, loopback peers get in and may pair a new
		// device; a remote peer must present an already-paired identity.
		if params.Auth.Device != nil {
			return s.verifyDevice(c, params, isLoopback(c.remoteAddr))
		}
		if !isLoopback(c.remoteAddr) {
			return nil, fmt.Errorf("auth mode none admits loopback connections only")
		}
		return []string{protocol.Wildcard}, nil

	case "token":
		if auth.Token == "" {
			return nil, fmt.Errorf("gateway token not configured")
		}
		if subtle.ConstantTimeCompare([]byte(params.Auth.Token), []byte(auth.Token)) != 1 {
			return nil, fmt.Errorf("invalid token")
		}
		if params.Auth.Device != nil {
			// Device identity narrows the scopes granted by the token. The
			// verified secret vouches for pairing a new device.
			return s.verifyDevice(c, params, true)
		}
		return []string{protocol.Wildcard}, nil

	case "password":
		if auth.Password == "" {
			return nil, fmt.Errorf("gateway password not configured")
		}
		if subtle.ConstantTimeCompare([]byte(params.Auth.Password), []byte(auth.Password)) != 1 {
			return nil, fmt.Errorf("invalid password")
		}
		if params.Auth.Device != nil {
			return s.verifyDevice(c, params, true)
		}
		return []string{protocol.Wildcard}, nil

	default:
		return nil, fmt.Errorf("unsupported auth mode %q", auth.Mode)
	}
}

// verifyDevice checks a device identity: a detached ed25519 signature over
// the challenge nonce, within the challenge age window. A known device is
// verified against the public key recorded at pairing time; an unknown one is
// paired trust-on-first-use, but only when the caller is vouched for
// (loopback, or a verified shared secret).
func (s *Server) verifyDevice(c *Client, params *connectParams, allowPairing bool) ([]string, error) {
	dev := params.Auth.Device
	if dev == nil {
		return nil, fmt.Errorf("device identity missing")
	}
	if dev.ID == "" {
		return nil, fmt.Errorf("device id missing")
	}
	c.mu.Lock()
	nonce, issued := c.nonce, c.nonceIssued
	c.mu.Unlock()
	if nonce == "" {
		return nil, fmt.Errorf("no challenge outstanding")
	}
	if time.Since(issued) > challengeMaxAge {
		return nil, fmt.Errorf("challenge expired")
	}

	rec, known := s.devices.Lookup(dev.ID)
	keySource := dev.PublicKey
	if known {
		keySource = rec.PublicKey
	} else if !allowPairing {
		return nil, fmt.Errorf("unknown device %q", dev.ID)
	}
	pub, err := base64.StdEncoding.DecodeString(keySource)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad device public key")
	}
	sig, err := base64.StdEncoding.DecodeString(dev.Signature)
	if err != nil {
		return nil, fmt.Errorf("bad device signature encoding")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), []byte(nonce), sig) {
		return nil, fmt.Errorf("device signature verification failed")
	}

	if known {
		scopes := rec.Scopes
		if len(scopes) == 0 {
			scopes = []string{protocol.Wildcard}
		}
		return scopes, nil
	}

	if err := s.devices.Pair(DeviceRecord{
		ID:        dev.ID,
		PublicKey: dev.PublicKey,
		Scopes:    dev.Scopes,
		PairedAt:  time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("device pairing failed: %v", err)
	}
	slog.Info("security.device_paired", "device", dev.ID, "client", c.id)
	scopes := dev.Scopes
	if len(scopes) == 0 {
		scopes = []string{protocol.Wildcard}
	}
	return scopes, nil
}

// helloPayload is the post-handshake snapshot.
func (s *Server) helloPayload(version int) map[string]any {
	sessionCount := 0
	if s.sessions != nil {
		if infos, err := s.sessions.List(); err == nil {
			sessionCount = len(infos)
		}
	}
	channelStatuses := []any{}
	if s.channels != nil {
		for _, st := range s.channels.Statuses() {
			channelStatuses = append(channelStatuses, st)
		}
	}
	agents := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		agents = append(agents, id)
	}

	return map[string]any{
		"protocol": version,
		"server": map[string]any{
			"name":    "gofer",
			"version": s.version,
		},
		"features": map[string]any{
			"methods": s.registry.Methods(),
		},
		"snapshot": map[string]any{
			"sessions": sessionCount,
			"channels": channelStatuses,
			"agents":   agents,
		},
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
