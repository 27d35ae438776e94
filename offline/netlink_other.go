//go:build !linux

package offline

import "context"

// NetlinkMonitor falls back to never reporting offline outside Linux.
type NetlinkMonitor struct{}

func NewNetlinkMonitor(string) *NetlinkMonitor {
	return &NetlinkMonitor{}
}

func (m *NetlinkMonitor) Subscribe(ctx context.Context) <-chan bool {
	return Static{}.Subscribe(ctx)
}
