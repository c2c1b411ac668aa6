package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect configured chat channels",
	}
	cmd.AddCommand(channelsListCmd(), channelsStatusCmd())
	return cmd
}

func channelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channels from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if len(cfg.Channels) == 0 {
				fmt.Println("No channels configured. Run: gofer onboard")
				return nil
			}

			ids := make([]string, 0, len(cfg.Channels))
			for id := range cfg.Channels {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENABLED\tDM POLICY\tAGENT")
			for _, id := range ids {
				ch := cfg.Channels[id]
				kind := ch.Kind
				if kind == "" {
					kind = id
				}
				policy := ch.DMPolicy
				if policy == "" {
					policy = "pairing"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", id, kind, ch.Enabled, policy, ch.AgentID)
			}
			return w.Flush()
		},
	}
}

// channelsStatusCmd asks a running gateway for live adapter state.
func channelsStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live channel status from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.Gateway.Port)
			}

			ctx := cmd.Context()
			client, err := dialChat(ctx, addr)
			if err != nil {
				return err
			}
			defer client.close()
			sessionID := ""
			go client.readLoop(ctx, &sessionID)

			authParams := map[string]any{}
			switch cfg.Gateway.Auth.Mode {
			case "token":
				authParams["token"] = cfg.Gateway.Auth.Token
			case "password":
				authParams["password"] = cfg.Gateway.Auth.Password
			}
			if _, err := client.call(ctx, protocol.MethodConnect, map[string]any{
				"client": map[string]any{"name": "gofer-cli", "version": Version},
				"auth":   authParams,
			}); err != nil {
				return fmt.Errorf("handshake: %w", err)
			}

			status, err := client.call(ctx, protocol.MethodChannelsStatus, nil)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(status, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default 127.0.0.1:<port>)")
	return cmd
}
