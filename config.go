package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fosrl/warden/api"
	"github.com/fosrl/warden/tunnel"
	"github.com/fosrl/warden/tunnelstate"
)

// RetryConfig is the file and flag form of tunnelstate.RetryPolicy.
type RetryConfig struct {
	InitialDelay string   `json:"initialDelay,omitempty" yaml:"initialDelay,omitempty"`
	MaxDelay     string   `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
	Multiplier   float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       float64  `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	MaxAttempts  int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	Retryable    []string `json:"retryable,omitempty" yaml:"retryable,omitempty"`
}

// WardenConfig holds all configuration options for the daemon
type WardenConfig struct {
	// Logging
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"`

	// Control API
	SocketPath     string `json:"socketPath" yaml:"socketPath"`
	HTTPAddr       string `json:"httpAddr,omitempty" yaml:"httpAddr,omitempty"`
	DisableMetrics bool   `json:"disableMetrics,omitempty" yaml:"disableMetrics,omitempty"`

	// Tunnel
	InterfaceName    string `json:"interface" yaml:"interface"`
	MTU              int    `json:"mtu" yaml:"mtu"`
	HandshakeTimeout string `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	StopTimeout      string `json:"stopTimeout" yaml:"stopTimeout"`
	Retry            RetryConfig `json:"retry" yaml:"retry"`
	// Tunnel is connected at startup when set.
	Tunnel *tunnel.Parameters `json:"tunnel,omitempty" yaml:"tunnel,omitempty"`

	// Traffic policy
	AllowLAN              bool     `json:"allowLan" yaml:"allowLan"`
	// BlockWhenDisconnected is a pointer so a file can turn the default off.
	BlockWhenDisconnected *bool    `json:"blockWhenDisconnected,omitempty" yaml:"blockWhenDisconnected,omitempty"`
	DNSOverride           []string `json:"dnsOverride,omitempty" yaml:"dnsOverride,omitempty"`
	DNSManager            string   `json:"dnsManager" yaml:"dnsManager"`
	ExcludedApps          []string `json:"excludedApps,omitempty" yaml:"excludedApps,omitempty"`
	SplitTunnelInterval   string   `json:"splitTunnelInterval" yaml:"splitTunnelInterval"`

	// Parsed values (not in the file)
	HandshakeTimeoutDuration    time.Duration `json:"-" yaml:"-"`
	StopTimeoutDuration         time.Duration `json:"-" yaml:"-"`
	SplitTunnelIntervalDuration time.Duration `json:"-" yaml:"-"`

	// Source tracking (not in the file)
	sources    map[string]string
	configPath string
}

// ConfigSource tracks where each config value came from
type ConfigSource string

const (
	SourceDefault ConfigSource = "default"
	SourceFile    ConfigSource = "file"
	SourceEnv     ConfigSource = "environment"
	SourceCLI     ConfigSource = "cli"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *WardenConfig {
	retry := tunnelstate.DefaultRetryPolicy()
	retryable := make([]string, len(retry.Retryable))
	for i, r := range retry.Retryable {
		retryable[i] = r.String()
	}

	config := &WardenConfig{
		LogLevel:         "INFO",
		SocketPath:       api.DefaultSocketPath,
		InterfaceName:    "wg-warden",
		MTU:              1380,
		HandshakeTimeout: "15s",
		StopTimeout:      "10s",
		Retry: RetryConfig{
			InitialDelay: retry.InitialDelay.String(),
			MaxDelay:     retry.MaxDelay.String(),
			Multiplier:   retry.Multiplier,
			Jitter:       retry.Jitter,
			MaxAttempts:  retry.MaxAttempts,
			Retryable:    retryable,
		},
		DNSManager:            "auto",
		SplitTunnelInterval:   "2s",
		BlockWhenDisconnected: boolPtr(true),
		sources:               make(map[string]string),
	}
	for _, key := range []string{"logLevel", "socketPath", "interface", "mtu", "handshakeTimeout", "stopTimeout", "retry", "dnsManager", "splitTunnelInterval", "allowLan", "blockWhenDisconnected"} {
		config.sources[key] = string(SourceDefault)
	}
	return config
}

// defaultConfigPath returns the system-wide config file location
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("PROGRAMDATA"), "warden", "config.json")
	case "darwin":
		return "/Library/Application Support/warden/config.json"
	default:
		return "/etc/warden/config.json"
	}
}

// LoadConfig loads configuration from file, environment and CLI arguments.
// Priority: CLI args > Env vars > Config file > Defaults
func LoadConfig(args []string) (*WardenConfig, bool, bool, error) {
	// The file has to be known before flags are parsed for real.
	configPath := ""
	for i, arg := range args {
		if arg == "-config" || arg == "--config" {
			if i+1 < len(args) {
				configPath = args[i+1]
			}
			break
		}
		if v, ok := strings.CutPrefix(arg, "-config="); ok {
			configPath = v
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			configPath = v
		}
	}
	if configPath == "" {
		configPath = os.Getenv("WARDEN_CONFIG")
	}
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigPath()
	}

	config := DefaultConfig()
	config.configPath = configPath

	fileConfig, err := loadConfigFromFile(configPath, explicit)
	if err != nil {
		return nil, false, false, fmt.Errorf("failed to load config file: %w", err)
	}
	if fileConfig != nil {
		mergeConfigs(config, fileConfig)
	}

	if err := loadConfigFromEnv(config); err != nil {
		return nil, false, false, err
	}

	showVersion, showConfig, err := loadConfigFromCLI(config, args)
	if err != nil {
		return nil, false, false, err
	}

	if err := config.parseDurations(); err != nil {
		return nil, false, false, err
	}
	return config, showVersion, showConfig, nil
}

// loadConfigFromFile reads JSON, or YAML when the extension says so. A missing
// default file is not an error.
func loadConfigFromFile(path string, explicit bool) (*WardenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil, nil
		}
		return nil, err
	}

	var config WardenConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &config, nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadConfigFromEnv loads WARDEN_* environment variables
func loadConfigFromEnv(config *WardenConfig) error {
	str := func(env, key string, dst *string) {
		if val := os.Getenv(env); val != "" {
			*dst = val
			config.sources[key] = string(SourceEnv)
		}
	}
	boolean := func(env, key string, dst *bool) error {
		val := os.Getenv(env)
		if val == "" {
			return nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", env, val, err)
		}
		*dst = b
		config.sources[key] = string(SourceEnv)
		return nil
	}
	list := func(env, key string, dst *[]string) {
		if val := os.Getenv(env); val != "" {
			*dst = splitList(val)
			config.sources[key] = string(SourceEnv)
		}
	}

	str("WARDEN_LOG_LEVEL", "logLevel", &config.LogLevel)
	str("WARDEN_LOG_FILE", "logFile", &config.LogFile)
	str("WARDEN_SOCKET", "socketPath", &config.SocketPath)
	str("WARDEN_HTTP_ADDR", "httpAddr", &config.HTTPAddr)
	str("WARDEN_INTERFACE", "interface", &config.InterfaceName)
	str("WARDEN_HANDSHAKE_TIMEOUT", "handshakeTimeout", &config.HandshakeTimeout)
	str("WARDEN_STOP_TIMEOUT", "stopTimeout", &config.StopTimeout)
	str("WARDEN_DNS_MANAGER", "dnsManager", &config.DNSManager)
	str("WARDEN_SPLIT_TUNNEL_INTERVAL", "splitTunnelInterval", &config.SplitTunnelInterval)
	list("WARDEN_DNS", "dnsOverride", &config.DNSOverride)
	list("WARDEN_EXCLUDED_APPS", "excludedApps", &config.ExcludedApps)

	if val := os.Getenv("WARDEN_MTU"); val != "" {
		mtu, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid WARDEN_MTU value %q: %w", val, err)
		}
		config.MTU = mtu
		config.sources["mtu"] = string(SourceEnv)
	}
	for _, b := range []struct {
		env, key string
		dst      *bool
	}{
		{"WARDEN_ALLOW_LAN", "allowLan", &config.AllowLAN},
		{"WARDEN_BLOCK_WHEN_DISCONNECTED", "blockWhenDisconnected", config.BlockWhenDisconnected},
		{"WARDEN_DISABLE_METRICS", "disableMetrics", &config.DisableMetrics},
	} {
		if err := boolean(b.env, b.key, b.dst); err != nil {
			return err
		}
	}
	return nil
}

// loadConfigFromCLI parses command-line flags; only flags that were set override.
func loadConfigFromCLI(config *WardenConfig, args []string) (bool, bool, error) {
	flags := flag.NewFlagSet("warden", flag.ContinueOnError)

	var (
		configPath   string
		dnsOverride  string
		excludedApps string
		lockdown     bool
		showVersion  bool
		showConfig   bool
	)
	cli := *config
	flags.StringVar(&configPath, "config", config.configPath, "Path to the config file (.json, .yaml)")
	flags.StringVar(&cli.LogLevel, "log-level", config.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	flags.StringVar(&cli.LogFile, "log-file", config.LogFile, "Also write rotated JSON logs to this file")
	flags.StringVar(&cli.SocketPath, "socket", config.SocketPath, "Control socket path or pipe name")
	flags.StringVar(&cli.HTTPAddr, "http-addr", config.HTTPAddr, "Serve the control API on this TCP address instead of the socket")
	flags.BoolVar(&cli.DisableMetrics, "disable-metrics", config.DisableMetrics, "Do not serve /metrics")
	flags.StringVar(&cli.InterfaceName, "interface", config.InterfaceName, "Tunnel interface name")
	flags.IntVar(&cli.MTU, "mtu", config.MTU, "Tunnel MTU")
	flags.StringVar(&cli.HandshakeTimeout, "handshake-timeout", config.HandshakeTimeout, "Wait this long for the first handshake")
	flags.StringVar(&cli.StopTimeout, "stop-timeout", config.StopTimeout, "Wait this long for a tunnel to stop")
	flags.BoolVar(&cli.AllowLAN, "allow-lan", config.AllowLAN, "Allow LAN traffic outside the tunnel")
	flags.BoolVar(&lockdown, "block-when-disconnected", config.blockWhenDisconnected(), "Block traffic while disconnected")
	flags.StringVar(&dnsOverride, "dns", strings.Join(config.DNSOverride, ","), "Comma-separated DNS servers used instead of the tunnel's")
	flags.StringVar(&cli.DNSManager, "dns-manager", config.DNSManager, "DNS backend: auto, systemd-resolved, networkmanager, resolvconf, file")
	flags.StringVar(&excludedApps, "exclude", strings.Join(config.ExcludedApps, ","), "Comma-separated executables that bypass the tunnel")
	flags.StringVar(&cli.SplitTunnelInterval, "split-tunnel-interval", config.SplitTunnelInterval, "How often excluded processes are rescanned")
	flags.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flags.BoolVar(&showConfig, "show-config", false, "Print the configuration with value sources and exit")

	if err := flags.Parse(args); err != nil {
		return false, false, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "version", "show-config":
			return
		case "log-level":
			config.LogLevel = cli.LogLevel
			config.sources["logLevel"] = string(SourceCLI)
		case "log-file":
			config.LogFile = cli.LogFile
			config.sources["logFile"] = string(SourceCLI)
		case "socket":
			config.SocketPath = cli.SocketPath
			config.sources["socketPath"] = string(SourceCLI)
		case "http-addr":
			config.HTTPAddr = cli.HTTPAddr
			config.sources["httpAddr"] = string(SourceCLI)
		case "disable-metrics":
			config.DisableMetrics = cli.DisableMetrics
			config.sources["disableMetrics"] = string(SourceCLI)
		case "interface":
			config.InterfaceName = cli.InterfaceName
			config.sources["interface"] = string(SourceCLI)
		case "mtu":
			config.MTU = cli.MTU
			config.sources["mtu"] = string(SourceCLI)
		case "handshake-timeout":
			config.HandshakeTimeout = cli.HandshakeTimeout
			config.sources["handshakeTimeout"] = string(SourceCLI)
		case "stop-timeout":
			config.StopTimeout = cli.StopTimeout
			config.sources["stopTimeout"] = string(SourceCLI)
		case "allow-lan":
			config.AllowLAN = cli.AllowLAN
			config.sources["allowLan"] = string(SourceCLI)
		case "block-when-disconnected":
			config.BlockWhenDisconnected = boolPtr(lockdown)
			config.sources["blockWhenDisconnected"] = string(SourceCLI)
		case "dns":
			config.DNSOverride = splitList(dnsOverride)
			config.sources["dnsOverride"] = string(SourceCLI)
		case "dns-manager":
			config.DNSManager = cli.DNSManager
			config.sources["dnsManager"] = string(SourceCLI)
		case "exclude":
			config.ExcludedApps = splitList(excludedApps)
			config.sources["excludedApps"] = string(SourceCLI)
		case "split-tunnel-interval":
			config.SplitTunnelInterval = cli.SplitTunnelInterval
			config.sources["splitTunnelInterval"] = string(SourceCLI)
		}
	})
	return showVersion, showConfig, nil
}

// parseDurations parses the duration strings into time.Duration
func (c *WardenConfig) parseDurations() error {
	for _, d := range []struct {
		name string
		val  string
		dst  *time.Duration
	}{
		{"handshakeTimeout", c.HandshakeTimeout, &c.HandshakeTimeoutDuration},
		{"stopTimeout", c.StopTimeout, &c.StopTimeoutDuration},
		{"splitTunnelInterval", c.SplitTunnelInterval, &c.SplitTunnelIntervalDuration},
	} {
		parsed, err := time.ParseDuration(d.val)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid %s value %q", d.name, d.val)
		}
		*d.dst = parsed
	}
	return nil
}

// mergeConfigs merges values present in the file into dest and records them
// as coming from the file.
func mergeConfigs(dest, src *WardenConfig) {
	setStr := func(key string, dst *string, val string) {
		if val != "" {
			*dst = val
			dest.sources[key] = string(SourceFile)
		}
	}
	setStr("logLevel", &dest.LogLevel, src.LogLevel)
	setStr("logFile", &dest.LogFile, src.LogFile)
	setStr("socketPath", &dest.SocketPath, src.SocketPath)
	setStr("httpAddr", &dest.HTTPAddr, src.HTTPAddr)
	setStr("interface", &dest.InterfaceName, src.InterfaceName)
	setStr("handshakeTimeout", &dest.HandshakeTimeout, src.HandshakeTimeout)
	setStr("stopTimeout", &dest.StopTimeout, src.StopTimeout)
	setStr("dnsManager", &dest.DNSManager, src.DNSManager)
	setStr("splitTunnelInterval", &dest.SplitTunnelInterval, src.SplitTunnelInterval)

	if src.MTU != 0 {
		dest.MTU = src.MTU
		dest.sources["mtu"] = string(SourceFile)
	}
	if src.AllowLAN {
		dest.AllowLAN = true
		dest.sources["allowLan"] = string(SourceFile)
	}
	if src.BlockWhenDisconnected != nil {
		dest.BlockWhenDisconnected = boolPtr(*src.BlockWhenDisconnected)
		dest.sources["blockWhenDisconnected"] = string(SourceFile)
	}
	if src.DisableMetrics {
		dest.DisableMetrics = true
		dest.sources["disableMetrics"] = string(SourceFile)
	}
	if len(src.DNSOverride) > 0 {
		dest.DNSOverride = slices.Clone(src.DNSOverride)
		dest.sources["dnsOverride"] = string(SourceFile)
	}
	if len(src.ExcludedApps) > 0 {
		dest.ExcludedApps = slices.Clone(src.ExcludedApps)
		dest.sources["excludedApps"] = string(SourceFile)
	}
	if src.Tunnel != nil {
		dest.Tunnel = src.Tunnel
		dest.sources["tunnel"] = string(SourceFile)
	}

	r := src.Retry
	if r.InitialDelay != "" || r.MaxDelay != "" || r.Multiplier != 0 || r.Jitter != 0 || r.MaxAttempts != 0 || len(r.Retryable) > 0 {
		setStr("retry", &dest.Retry.InitialDelay, r.InitialDelay)
		setStr("retry", &dest.Retry.MaxDelay, r.MaxDelay)
		if r.Multiplier != 0 {
			dest.Retry.Multiplier = r.Multiplier
		}
		if r.Jitter != 0 {
			dest.Retry.Jitter = r.Jitter
		}
		if r.MaxAttempts != 0 {
			dest.Retry.MaxAttempts = r.MaxAttempts
		}
		if len(r.Retryable) > 0 {
			dest.Retry.Retryable = slices.Clone(r.Retryable)
		}
		dest.sources["retry"] = string(SourceFile)
	}
}

func boolPtr(b bool) *bool { return &b }

// blockWhenDisconnected defaults to true when unset.
func (c *WardenConfig) blockWhenDisconnected() bool {
	return c.BlockWhenDisconnected == nil || *c.BlockWhenDisconnected
}

// Settings converts the configuration into the state machine's settings.
func (c *WardenConfig) Settings() (tunnelstate.Settings, error) {
	settings := tunnelstate.DefaultSettings()
	settings.AllowLAN = c.AllowLAN
	settings.BlockWhenDisconnected = c.blockWhenDisconnected()
	settings.ExcludedApps = slices.Clone(c.ExcludedApps)
	settings.StopTimeout = c.StopTimeoutDuration

	for _, s := range c.DNSOverride {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return settings, fmt.Errorf("invalid DNS server %q: %w", s, err)
		}
		settings.DNSOverride = append(settings.DNSOverride, addr)
	}

	retry, err := c.Retry.policy()
	if err != nil {
		return settings, err
	}
	settings.Retry = retry
	return settings, nil
}

func (r RetryConfig) policy() (tunnelstate.RetryPolicy, error) {
	p := tunnelstate.DefaultRetryPolicy()
	var err error
	if r.InitialDelay != "" {
		if p.InitialDelay, err = time.ParseDuration(r.InitialDelay); err != nil {
			return p, fmt.Errorf("invalid retry initialDelay: %w", err)
		}
	}
	if r.MaxDelay != "" {
		if p.MaxDelay, err = time.ParseDuration(r.MaxDelay); err != nil {
			return p, fmt.Errorf("invalid retry maxDelay: %w", err)
		}
	}
	if r.Multiplier != 0 {
		p.Multiplier = r.Multiplier
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return p, fmt.Errorf("retry jitter %v must be in [0, 1)", r.Jitter)
	}
	p.Jitter = r.Jitter
	if r.MaxAttempts < 0 {
		return p, fmt.Errorf("retry maxAttempts %d is negative", r.MaxAttempts)
	}
	p.MaxAttempts = r.MaxAttempts
	if r.Retryable != nil {
		p.Retryable = nil
		for _, name := range r.Retryable {
			reason, err := tunnelstate.ParseBlockReason(name)
			if err != nil {
				return p, err
			}
			p.Retryable = append(p.Retryable, reason)
		}
	}
	return p, nil
}

// ShowConfig prints the configuration and the source of each value
func (c *WardenConfig) ShowConfig() {
	fmt.Print("\n=== Warden Configuration ===\n\n")
	fmt.Printf("Config File: %s\n", c.configPath)
	if _, err := os.Stat(c.configPath); err == nil {
		fmt.Println("Config File Status: exists")
	} else {
		fmt.Println("Config File Status: not found")
	}

	fmt.Println("\n--- Configuration Values ---")
	fmt.Print("(Format: Setting = Value [source])\n\n")

	getSource := func(key string) string {
		if source, ok := c.sources[key]; ok {
			return source
		}
		return string(SourceDefault)
	}
	show := func(key string, val any) {
		fmt.Printf("  %s = %v [%s]\n", key, val, getSource(key))
	}

	fmt.Println("Logging:")
	show("logLevel", c.LogLevel)
	show("logFile", c.LogFile)

	fmt.Println("\nControl API:")
	show("socketPath", c.SocketPath)
	show("httpAddr", c.HTTPAddr)
	show("disableMetrics", c.DisableMetrics)

	fmt.Println("\nTunnel:")
	show("interface", c.InterfaceName)
	show("mtu", c.MTU)
	show("handshakeTimeout", c.HandshakeTimeout)
	show("stopTimeout", c.StopTimeout)
	show("retry", fmt.Sprintf("%+v", c.Retry))
	if c.Tunnel != nil {
		show("tunnel", c.Tunnel.Endpoint)
	}

	fmt.Println("\nTraffic:")
	show("allowLan", c.AllowLAN)
	show("blockWhenDisconnected", c.blockWhenDisconnected())
	show("dnsOverride", c.DNSOverride)
	show("dnsManager", c.DNSManager)
	show("excludedApps", c.ExcludedApps)
	show("splitTunnelInterval", c.SplitTunnelInterval)
	fmt.Println()
}
