//go:build linux

package splittunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/containerd/cgroups/v3/cgroup1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/fosrl/warden/logger"
)

// CgroupExcluder keeps every process running an excluded executable in its cgroup.
type CgroupExcluder struct {
	group   cgroup1.Cgroup
	root    cgroup1.Cgroup
	procDir string

	mu    sync.Mutex
	paths map[string]struct{}
	moved map[int]struct{}
}

// netClsHierarchy returns the net_cls controller mounted below root, or the
// one found in mountinfo when root is empty.
func netClsHierarchy(root string) cgroup1.Hierarchy {
	if root == "" {
		return cgroup1.SingleSubsystem(cgroup1.Default, cgroup1.NetCLS)
	}
	return func() ([]cgroup1.Subsystem, error) {
		return []cgroup1.Subsystem{cgroup1.NewNetCls(root)}, nil
	}
}

// NewCgroupExcluder creates the exclusion cgroup in the net_cls hierarchy under
// root, a cgroup v1 mount point such as /sys/fs/cgroup. An empty root looks the
// controller up in /proc/self/mountinfo.
func NewCgroupExcluder(root string, classID uint32) (*CgroupExcluder, error) {
	hierarchy := cgroup1.WithHierarchy(netClsHierarchy(root))

	parent, err := cgroup1.Load(cgroup1.StaticPath("/"), hierarchy)
	if err != nil {
		return nil, fmt.Errorf("net_cls hierarchy not mounted: %w", err)
	}
	group, err := cgroup1.New(cgroup1.StaticPath("/"+cgroupName), &specs.LinuxResources{
		Network: &specs.LinuxNetwork{ClassID: &classID},
	}, hierarchy)
	if err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}

	return &CgroupExcluder{
		group:   group,
		root:    parent,
		procDir: "/proc",
		paths:   make(map[string]struct{}),
		moved:   make(map[int]struct{}),
	}, nil
}

// SetExcluded replaces the excluded executable set and enforces it immediately.
// Paths are stored resolved, the way the kernel reports /proc/<pid>/exe.
func (e *CgroupExcluder) SetExcluded(paths []string) error {
	normalized := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("excluded path %q is not absolute", p)
		}
		normalized[resolveExecutable(p)] = struct{}{}
	}

	e.mu.Lock()
	e.paths = normalized
	e.mu.Unlock()

	logger.Info("Split tunnel exclusions set to %d executables", len(normalized))
	return e.Enforce()
}

// resolveExecutable follows symlinks in p. A path that does not exist yet is
// kept as given so it matches once the executable is installed there.
func resolveExecutable(p string) string {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return resolved
}

// Excluded returns the configured executables in sorted order.
func (e *CgroupExcluder) Excluded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.paths))
	for p := range e.paths {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Enforce moves matching processes into the cgroup and releases processes whose
// executable is no longer excluded.
func (e *CgroupExcluder) Enforce() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := os.ReadDir(e.procDir)
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		exe, err := os.Readlink(filepath.Join(e.procDir, entry.Name(), "exe"))
		if err != nil {
			// Kernel threads and processes that just exited.
			continue
		}
		_, excluded := e.paths[exe]
		_, moved := e.moved[pid]

		switch {
		case excluded && !moved:
			if err := e.group.AddProc(uint64(pid)); err != nil {
				errs = append(errs, fmt.Errorf("exclude pid %d: %w", pid, err))
				continue
			}
			e.moved[pid] = struct{}{}
			logger.Debug("Excluded pid %d (%s) from tunnel", pid, exe)
		case !excluded && moved:
			if err := e.root.AddProc(uint64(pid)); err != nil {
				errs = append(errs, fmt.Errorf("release pid %d: %w", pid, err))
				continue
			}
			delete(e.moved, pid)
		}
	}

	for pid := range e.moved {
		if _, err := os.Stat(filepath.Join(e.procDir, strconv.Itoa(pid))); os.IsNotExist(err) {
			delete(e.moved, pid)
		}
	}
	return errors.Join(errs...)
}

// Run re-enforces the exclusions every interval so processes started later are
// picked up. It returns when ctx is done.
func (e *CgroupExcluder) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.mu.Lock()
			empty := len(e.paths) == 0 && len(e.moved) == 0
			e.mu.Unlock()
			if empty {
				continue
			}
			if err := e.Enforce(); err != nil {
				logger.Warn("Split tunnel enforcement failed: %v", err)
			}
		}
	}
}

// Close moves every excluded process back and removes the cgroup.
func (e *CgroupExcluder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for pid := range e.moved {
		if err := e.root.AddProc(uint64(pid)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("release pid %d: %w", pid, err))
		}
	}
	e.moved = make(map[int]struct{})
	if err := e.group.Delete(); err != nil && !errors.Is(err, cgroup1.ErrCgroupDeleted) {
		errs = append(errs, fmt.Errorf("remove cgroup: %w", err))
	}
	return errors.Join(errs...)
}
