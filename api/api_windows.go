//go:build windows

package api

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"

	"github.com/fosrl/warden/logger"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = `\\.\pipe\warden`

func pipeName(pipePath string) string {
	if pipePath != "" && pipePath[0] != '\\' {
		return `\\.\pipe\` + pipePath
	}
	return pipePath
}

// createSocketListener creates a Windows named pipe listener
func createSocketListener(pipePath string) (net.Listener, error) {
	pipePath = pipeName(pipePath)

	// Administrators and SYSTEM get full access, interactive users may read and write.
	config := &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;IU)",
	}
	listener, err := winio.ListenPipe(pipePath, config)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on named pipe: %w", err)
	}

	logger.Debug("Created named pipe at %s", pipePath)
	return listener, nil
}

// cleanupSocket is a no-op on Windows as named pipes are automatically cleaned up
func cleanupSocket(pipePath string) {
	logger.Debug("Named pipe %s will be automatically cleaned up", pipePath)
}

func dialSocket(ctx context.Context, pipePath string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, pipeName(pipePath))
}
