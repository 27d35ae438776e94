//go:build !linux

package wireguard

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fosrl/warden/tunnel"
)

func (p *Provider) Open(_ context.Context, params tunnel.Parameters) (tunnel.Tunnel, error) {
	if err := validate(params); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: wireguard tunnels on %s", tunnel.ErrUnsupported, runtime.GOOS)
}
