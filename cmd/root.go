// Package cmd defines the gofer CLI.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gofer-dev/gofer/internal/config"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/gofer-dev/gofer/cmd.Version=v1.0.0".
var Version = "dev"

// errInterrupted maps SIGINT to exit code 130.
var errInterrupted = errors.New("interrupted")

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "gofer",
	Short:         "Gofer — personal assistant gateway",
	Long:          "Gofer runs a multi-channel AI assistant gateway: WebSocket RPC, chat channel plugins, tool execution, and session management.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.gofer/gofer.json5 or $GOFER_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gofer %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// Execute runs the root command and returns the process exit code: 0 on
// success, 1 on runtime errors, 2 on usage errors, 130 when interrupted.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	if errors.Is(err, errInterrupted) {
		return 130
	}
	if isUsageError(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

func isUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unknown flag") ||
		strings.Contains(msg, "invalid argument") ||
		strings.Contains(msg, "accepts ") ||
		strings.Contains(msg, "required flag")
}
