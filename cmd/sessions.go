package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/internal/sessions"
	sessionspg "github.com/gofer-dev/gofer/internal/sessions/pg"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd(), sessionsDeleteCmd())
	return cmd
}

// openStore opens the configured session store without starting the daemon.
func openStore(ctx context.Context) (sessions.Store, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if cfg.Sessions.Storage == "postgres" {
		pgStore, err := sessionspg.New(ctx, cfg.Sessions.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pgStore, pgStore.Close, nil
	}
	fileStore, err := sessions.NewFileStore(config.ExpandHome(cfg.Agents.Defaults.Workspace))
	if err != nil {
		return nil, nil, err
	}
	return fileStore, func() {}, nil
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			infos, err := store.List()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			sort.Slice(infos, func(i, j int) bool {
				return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAGENT\tMESSAGES\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					info.ID, info.AgentID, info.MessageCount,
					info.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			sess, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if sess == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			msgs := sess.Messages
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the last n messages")
	return cmd
}

func printMessage(m providers.Message) {
	switch m.Role {
	case providers.RoleTool:
		fmt.Printf("[tool %s] %s\n", m.ToolCallID, truncate(m.Content, 200))
	case providers.RoleAssistant:
		fmt.Printf("assistant: %s\n", m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Printf("  -> %s(%s)\n", tc.Name, truncate(string(tc.Arguments), 120))
		}
	default:
		fmt.Printf("%s: %s\n", m.Role, m.Content)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}
