//go:build linux

package offline

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	require.NoError(t, err)
	return n
}

func TestHasDefaultRoute(t *testing.T) {
	links := map[int]struct {
		name string
		up   bool
	}{
		1: {"eth0", true},
		2: {"wlan0", false},
		3: {"wg-warden", true},
	}
	state := func(i int) (string, bool) {
		l := links[i]
		return l.name, l.up
	}

	tests := []struct {
		name   string
		routes []netlink.Route
		want   bool
	}{
		{"nil dst on up link", []netlink.Route{{LinkIndex: 1}}, true},
		{"zero prefix", []netlink.Route{{LinkIndex: 1, Dst: mustCIDR(t, "0.0.0.0/0")}}, true},
		{"v6 default", []netlink.Route{{LinkIndex: 1, Dst: mustCIDR(t, "::/0")}}, true},
		{"only subnet routes", []netlink.Route{{LinkIndex: 1, Dst: mustCIDR(t, "192.168.1.0/24")}}, false},
		{"link down", []netlink.Route{{LinkIndex: 2}}, false},
		{"tunnel default ignored", []netlink.Route{{LinkIndex: 3}}, false},
		{"no routes", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, hasDefaultRoute(tt.routes, "wg-warden", state))
		})
	}
}

// TestDrainerReleasesBlockedReader stands in for the netlink reader: it blocks
// sending into a full channel and closes it once it sees done.
func TestDrainerReleasesBlockedReader(t *testing.T) {
	ch := make(chan netlink.RouteUpdate, 1)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer close(ch)
		for {
			select {
			case <-done:
				return
			default:
			}
			ch <- netlink.RouteUpdate{}
		}
	}()

	require.Eventually(t, func() bool { return len(ch) == cap(ch) }, time.Second, time.Millisecond)
	close(done)
	drainer(ch)()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after done")
	}
}
