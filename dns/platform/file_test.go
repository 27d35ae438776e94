package platform

import (
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleResolvConf = "# managed by hand\nnameserver 192.168.1.1\nnameserver 2001:db8::53\nsearch lan example.com\noptions edns0\n"

func writeResolvConf(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleResolvConf), 0o644))
	return path
}

func TestReadResolvConf(t *testing.T) {
	servers, search, err := readResolvConf(writeResolvConf(t))
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{
		netip.MustParseAddr("192.168.1.1"),
		netip.MustParseAddr("2001:db8::53"),
	}, servers)
	require.Equal(t, []string{"lan", "example.com"}, search)
}

func TestFileConfiguratorRestoresExactly(t *testing.T) {
	path := writeResolvConf(t)
	f, err := NewFileDNSConfigurator(path)
	require.NoError(t, err)

	tunnelDNS := []netip.Addr{netip.MustParseAddr("10.64.0.1")}
	for i := 0; i < 3; i++ {
		original, err := f.SetDNS(tunnelDNS)
		require.NoError(t, err)
		require.Len(t, original, 2)

		// A second set must not record the override as the original.
		_, err = f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.2")})
		require.NoError(t, err)

		current, err := f.GetCurrentDNS()
		require.NoError(t, err)
		require.Equal(t, []netip.Addr{netip.MustParseAddr("10.64.0.2")}, current)

		require.NoError(t, f.RestoreDNS())
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, sampleResolvConf, string(content))
	}
}

func TestFileConfiguratorRecoversBackup(t *testing.T) {
	path := writeResolvConf(t)
	f, err := NewFileDNSConfigurator(path)
	require.NoError(t, err)
	_, err = f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.1")})
	require.NoError(t, err)

	// Simulate a crash: a fresh configurator finds the backup.
	_, err = NewFileDNSConfigurator(path)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, sampleResolvConf, string(content))
}

func TestFileConfiguratorRejectsEmpty(t *testing.T) {
	f, err := NewFileDNSConfigurator(writeResolvConf(t))
	require.NoError(t, err)
	_, err = f.SetDNS(nil)
	require.Error(t, err)
	require.NoError(t, f.RestoreDNS())
}

func skipWithoutSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need extra privileges on windows")
	}
}

func TestFileConfiguratorRestoresSymlink(t *testing.T) {
	skipWithoutSymlinks(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "stub-resolv.conf")
	require.NoError(t, os.WriteFile(target, []byte(sampleResolvConf), 0o644))
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.Symlink(target, path))

	f, err := NewFileDNSConfigurator(path)
	require.NoError(t, err)
	original, err := f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.1")})
	require.NoError(t, err)
	require.Len(t, original, 2)

	// The override replaces the link and leaves the managed target alone.
	info, err := os.Lstat(path)
	require.NoError(t, err)
	require.Zero(t, info.Mode()&os.ModeSymlink)
	content, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, sampleResolvConf, string(content))

	require.NoError(t, f.RestoreDNS())
	info, err = os.Lstat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&os.ModeSymlink)
	link, err := os.Readlink(path)
	require.NoError(t, err)
	require.Equal(t, target, link)
}

func TestFileConfiguratorRecoversSymlinkBackup(t *testing.T) {
	skipWithoutSymlinks(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "stub-resolv.conf")
	require.NoError(t, os.WriteFile(target, []byte(sampleResolvConf), 0o644))
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.Symlink(target, path))

	f, err := NewFileDNSConfigurator(path)
	require.NoError(t, err)
	_, err = f.SetDNS([]netip.Addr{netip.MustParseAddr("10.64.0.1")})
	require.NoError(t, err)

	_, err = NewFileDNSConfigurator(path)
	require.NoError(t, err)
	link, err := os.Readlink(path)
	require.NoError(t, err)
	require.Equal(t, target, link)
}
