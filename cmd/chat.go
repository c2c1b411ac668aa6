package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr      string
		agentID   string
		sessionID string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the gateway (one-shot with -m, interactive otherwise)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Gateway.Port)
			}
			return runChat(cmd.Context(), cfg, addr, agentID, sessionID, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default 127.0.0.1:<port>)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to talk to")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: a fresh one)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	return cmd
}

// chatClient is a small dual-use RPC client over coder/websocket: requests
// get matched responses, streamed events print as they arrive.
type chatClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	nextID  int
	pending map[string]chan map[string]any
}

func dialChat(ctx context.Context, addr string) (*chatClient, error) {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("connect to gateway at %s: %w", addr, err)
	}
	conn.SetReadLimit(1 << 20)
	return &chatClient{conn: conn, pending: map[string]chan map[string]any{}}, nil
}

func (c *chatClient) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// call sends a request and blocks for its response; the read loop routes it
// back through pending.
func (c *chatClient) call(ctx context.Context, method string, params any) (map[string]any, error) {
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("cli-%d", c.nextID)
	ch := make(chan map[string]any, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := map[string]any{"type": "req", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res["ok"] != true {
			if werr, ok := res["error"].(map[string]any); ok {
				return nil, fmt.Errorf("%v: %v", werr["code"], werr["message"])
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		payload, _ := res["payload"].(map[string]any)
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop prints agent stream events for the active session and routes
// responses to their callers. Returns when the connection drops.
func (c *chatClient) readLoop(ctx context.Context, sessionID *string) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		switch frame["type"] {
		case "res":
			id, _ := frame["id"].(string)
			c.mu.Lock()
			ch := c.pending[id]
			c.mu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case "event":
			c.printEvent(frame, *sessionID)
		}
	}
}

func (c *chatClient) printEvent(frame map[string]any, sessionID string) {
	payload, _ := frame["payload"].(map[string]any)
	if payload == nil || payload["session_id"] != sessionID {
		return
	}
	data, _ := payload["data"].(map[string]any)
	switch frame["event"] {
	case protocol.EventAgentText:
		if text, _ := data["text"].(string); text != "" {
			fmt.Print(text)
		}
	case protocol.EventAgentThinking:
		if verbose {
			if text, _ := data["text"].(string); text != "" {
				fmt.Fprintf(os.Stderr, "\x1b[2m%s\x1b[0m", text)
			}
		}
	case protocol.EventAgentToolUse:
		if name, _ := data["tool"].(string); name != "" {
			fmt.Fprintf(os.Stderr, "\n[tool: %s]\n", name)
		}
	}
}

func runChat(ctx context.Context, cfg *config.Config, addr, agentID, sessionID, message string) error {
	client, err := dialChat(ctx, addr)
	if err != nil {
		return err
	}
	defer client.close()

	if sessionID == "" {
		sessionID = "cli-" + uuid.NewString()[:8]
	}
	go client.readLoop(ctx, &sessionID)

	// The server sends the challenge first; connect may follow immediately
	// since we authenticate with a shared secret, not the nonce.
	authParams := map[string]any{}
	switch cfg.Gateway.Auth.Mode {
	case "token":
		authParams["token"] = cfg.Gateway.Auth.Token
	case "password":
		authParams["password"] = cfg.Gateway.Auth.Password
	}
	hello, err := client.call(ctx, protocol.MethodConnect, map[string]any{
		"minProtocol": protocol.ProtocolVersionMin,
		"maxProtocol": protocol.ProtocolVersionMax,
		"client":      map[string]any{"name": "gofer-cli", "version": Version},
		"auth":        authParams,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	send := func(text string) error {
		params := map[string]any{"message": text, "sessionId": sessionID}
		if agentID != "" {
			params["agentId"] = agentID
		}
		turnCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		res, err := client.call(turnCtx, protocol.MethodAgentTurn, params)
		if err != nil {
			return err
		}
		// Streaming already printed the text; print the reply only when no
		// stream arrived (e.g. thinking mode off on a fast turn).
		if reply, _ := res["reply"].(string); reply != "" {
			fmt.Printf("\n")
		}
		return nil
	}

	if message != "" {
		return send(message)
	}

	fmt.Fprintf(os.Stderr, "gofer chat (protocol %v, session %s)\n", hello["protocol"], sessionID)
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/new" for a fresh session.`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "\n> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/new":
			sessionID = "cli-" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
			continue
		}
		if err := send(input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}
