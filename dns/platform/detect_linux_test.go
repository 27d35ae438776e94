//go:build linux && !android

package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFromFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    DNSManagerType
	}{
		{"resolved", "# This is /run/systemd/resolve/stub-resolv.conf managed by man:systemd-resolved(8).\nnameserver 127.0.0.53\n", SystemdResolvedManager},
		{"networkmanager", "# Generated by NetworkManager\nnameserver 192.168.1.1\n", NetworkManagerManager},
		{"resolvconf", "# Dynamic resolv.conf(5) file generated by resolvconf(8)\nnameserver 1.1.1.1\n", ResolvconfManager},
		{"plain", "nameserver 9.9.9.9\n", FileManager},
		{"comments only", "# hello\n\n", FileManager},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "resolv.conf")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			require.Equal(t, tt.want, detectFromFile(path))
		})
	}
	require.Equal(t, UnknownManager, detectFromFile(filepath.Join(t.TempDir(), "missing")))
}

func TestParseDNSManagerType(t *testing.T) {
	require.Equal(t, SystemdResolvedManager, ParseDNSManagerType("systemd-resolved"))
	require.Equal(t, NetworkManagerManager, ParseDNSManagerType("NetworkManager"))
	require.Equal(t, UnknownManager, ParseDNSManagerType("auto"))
	require.Equal(t, "resolvconf", ResolvconfManager.String())
}
