// wardenctl controls a running warden daemon over its control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fosrl/warden/api"
)

var (
	socketPath string
	httpAddr   string
	timeout    time.Duration
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "wardenctl",
	Short:         "Control the warden tunnel daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", api.DefaultSocketPath, "daemon control socket or pipe")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "talk to a daemon serving the API on this TCP address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "command timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func client() *api.Client {
	if httpAddr != "" {
		return api.NewTCPClient(httpAddr)
	}
	return api.NewClient(socketPath)
}

// commandContext bounds a single request by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
