//go:build !linux

package splittunnel

import (
	"context"
	"time"
)

// CgroupExcluder needs the Linux net_cls controller.
type CgroupExcluder struct {
	Unsupported
}

func NewCgroupExcluder(root string, classID uint32) (*CgroupExcluder, error) {
	return nil, ErrUnsupported
}

func (*CgroupExcluder) Run(ctx context.Context, interval time.Duration) error {
	return nil
}
