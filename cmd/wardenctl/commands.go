package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fosrl/warden/api"
	"github.com/fosrl/warden/tunnel"
	"github.com/fosrl/warden/tunnelstate"
)

func init() {
	rootCmd.AddCommand(
		statusCmd,
		watchCmd,
		connectCmd,
		disconnectCmd,
		blockCmd,
		allowLANCmd,
		lockdownCmd,
		excludeCmd,
		dnsCmd,
		shutdownCmd,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "show the tunnel state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().Status(ctx)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "print every state transition until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		err := client().Watch(cmd.Context(), func(t tunnelstate.Transition) error {
			if jsonOutput {
				return json.NewEncoder(out).Encode(t)
			}
			_, err := fmt.Fprintf(out, "%s  %s\n", t.At.Format("15:04:05.000"), t.TunnelState)
			return err
		})
		if errors.Is(err, cmd.Context().Err()) {
			return nil
		}
		return err
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <parameters.json|parameters.yaml|->",
	Short: "establish a tunnel from a parameters file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := readParameters(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().Connect(ctx, params)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "tear the tunnel down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().Disconnect(ctx)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <reason>",
	Short: "disconnect and block all traffic for reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, err := tunnelstate.ParseBlockReason(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().Block(ctx, reason)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var allowLANCmd = &cobra.Command{
	Use:   "allow-lan <on|off>",
	Short: "allow or forbid LAN traffic outside the tunnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFirewall(cmd, args[0], func(o *tunnelstate.FirewallOverride, v *bool) { o.AllowLAN = v })
	},
}

var lockdownCmd = &cobra.Command{
	Use:   "lockdown <on|off>",
	Short: "block traffic while no tunnel is up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setFirewall(cmd, args[0], func(o *tunnelstate.FirewallOverride, v *bool) { o.BlockWhenDisconnected = v })
	},
}

var excludeCmd = &cobra.Command{
	Use:   "exclude [executable...]",
	Short: "replace the executables whose traffic bypasses the tunnel",
	Long:  "Replace the executables whose traffic bypasses the tunnel. No arguments clears the list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		apps := make([]string, 0, len(args))
		for _, a := range args {
			abs, err := filepath.Abs(a)
			if err != nil {
				return err
			}
			apps = append(apps, abs)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().SetExcludedApps(ctx, apps)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var dnsCmd = &cobra.Command{
	Use:   "dns [server...]",
	Short: "override the tunnel's DNS servers",
	Long:  "Override the tunnel's DNS servers. No arguments restores the servers announced by the tunnel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		servers := make([]netip.Addr, 0, len(args))
		for _, a := range args {
			addr, err := netip.ParseAddr(a)
			if err != nil {
				return fmt.Errorf("invalid DNS server %q: %w", a, err)
			}
			servers = append(servers, addr)
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		status, err := client().SetDNS(ctx, servers)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), status)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := client().Exit(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is shutting down")
		return nil
	},
}

func setFirewall(cmd *cobra.Command, arg string, set func(*tunnelstate.FirewallOverride, *bool)) error {
	on, err := parseSwitch(arg)
	if err != nil {
		return err
	}
	var override tunnelstate.FirewallOverride
	set(&override, &on)

	ctx, cancel := commandContext(cmd)
	defer cancel()
	status, err := client().SetFirewall(ctx, override)
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), status)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return v, nil
}

// readParameters loads tunnel parameters from path, or from stdin for "-".
// YAML is used for .yaml and .yml files, JSON otherwise.
func readParameters(stdin io.Reader, path string) (tunnel.Parameters, error) {
	var params tunnel.Parameters

	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return params, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &params)
	default:
		err = json.Unmarshal(data, &params)
	}
	if err != nil {
		return params, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}

func printStatus(w io.Writer, status api.StatusResponse) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintf(w, "State:    %s\n", status.TunnelState)
	if !status.Since.IsZero() {
		fmt.Fprintf(w, "Since:    %s\n", status.Since.Format("2006-01-02 15:04:05"))
	}
	if status.IsBlocking() {
		fmt.Fprintln(w, "Traffic:  blocked")
	}
	if status.BlockFailure != "" {
		fmt.Fprintf(w, "Warning:  could not block traffic: %s\n", status.BlockFailure)
	}
	fmt.Fprintf(w, "LAN:      %s\n", onOff(status.AllowLAN))
	fmt.Fprintf(w, "Lockdown: %s\n", onOff(status.BlockWhenDisconnected))
	if len(status.DNSOverride) > 0 {
		fmt.Fprintf(w, "DNS:      %v\n", status.DNSOverride)
	}
	if len(status.ExcludedApps) > 0 {
		fmt.Fprintf(w, "Excluded: %s\n", strings.Join(status.ExcludedApps, ", "))
	}
	if status.Version != "" {
		fmt.Fprintf(w, "Daemon:   %s\n", status.Version)
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
