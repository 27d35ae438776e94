//go:build linux

package splittunnel

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	procsFile   = "cgroup.procs"
	classIDFile = "net_cls.classid"
)

type fakeHost struct {
	root   string
	netCls string
	proc   string
	bin    string
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	h := &fakeHost{
		root:   filepath.Join(base, "cgroup"),
		netCls: filepath.Join(base, "cgroup", "net_cls"),
		proc:   filepath.Join(base, "proc"),
		bin:    filepath.Join(base, "bin"),
	}
	for _, dir := range []string{h.netCls, h.proc, h.bin} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return h
}

func (h *fakeHost) spawn(t *testing.T, pid int, exe string) {
	t.Helper()
	target := filepath.Join(h.bin, exe)
	require.NoError(t, os.WriteFile(target, nil, 0o755))
	dir := filepath.Join(h.proc, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "exe")))
}

func (h *fakeHost) exit(t *testing.T, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(h.proc, strconv.Itoa(pid))))
}

// groupProcs and rootProcs return the last pid written to each cgroup.procs.
// Outside cgroupfs the file keeps only the latest write.
func (h *fakeHost) groupProcs(t *testing.T) string {
	t.Helper()
	return readFile(t, filepath.Join(h.netCls, cgroupName, procsFile))
}

func (h *fakeHost) rootProcs(t *testing.T) string {
	t.Helper()
	return readFile(t, filepath.Join(h.netCls, procsFile))
}

func (h *fakeHost) clearProcs(t *testing.T) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(h.netCls, cgroupName, procsFile), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.netCls, procsFile), nil, 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}

func newTestExcluder(t *testing.T, h *fakeHost) *CgroupExcluder {
	t.Helper()
	e, err := NewCgroupExcluder(h.root, DefaultClassID)
	require.NoError(t, err)
	e.procDir = h.proc
	return e
}

func TestNewCgroupExcluderWritesClassID(t *testing.T) {
	h := newFakeHost(t)
	newTestExcluder(t, h)
	require.Equal(t, strconv.Itoa(DefaultClassID), readFile(t, filepath.Join(h.netCls, cgroupName, classIDFile)))
}

func TestNewCgroupExcluderWithoutNetCls(t *testing.T) {
	_, err := NewCgroupExcluder(filepath.Join(t.TempDir(), "missing"), DefaultClassID)
	require.Error(t, err)
}

func TestExcluderMovesMatchingProcesses(t *testing.T) {
	h := newFakeHost(t)
	h.spawn(t, 100, "browser")
	h.spawn(t, 200, "game")
	e := newTestExcluder(t, h)

	require.NoError(t, e.SetExcluded([]string{filepath.Join(h.bin, "game")}))
	require.Equal(t, "200", h.groupProcs(t))
	require.Equal(t, []string{filepath.Join(h.bin, "game")}, e.Excluded())

	// Enforcing again must not move the same pid twice.
	h.clearProcs(t)
	require.NoError(t, e.Enforce())
	require.Empty(t, h.groupProcs(t))

	h.spawn(t, 300, "game")
	require.NoError(t, e.Enforce())
	require.Equal(t, "300", h.groupProcs(t))
	require.Len(t, e.moved, 2)
}

func TestExcluderResolvesSymlinkedPaths(t *testing.T) {
	h := newFakeHost(t)
	h.spawn(t, 100, "game")
	link := filepath.Join(h.bin, "game-launcher")
	require.NoError(t, os.Symlink(filepath.Join(h.bin, "game"), link))
	e := newTestExcluder(t, h)

	require.NoError(t, e.SetExcluded([]string{link}))
	require.Equal(t, []string{filepath.Join(h.bin, "game")}, e.Excluded())
	require.Equal(t, "100", h.groupProcs(t))
}

func TestExcluderKeepsMissingPaths(t *testing.T) {
	h := newFakeHost(t)
	e := newTestExcluder(t, h)
	missing := filepath.Join(h.bin, "later", "..", "tool")

	require.NoError(t, e.SetExcluded([]string{missing}))
	require.Equal(t, []string{filepath.Join(h.bin, "tool")}, e.Excluded())

	h.spawn(t, 400, "tool")
	require.NoError(t, e.Enforce())
	require.Equal(t, "400", h.groupProcs(t))
}

func TestExcluderReleasesRemovedPaths(t *testing.T) {
	h := newFakeHost(t)
	h.spawn(t, 100, "browser")
	e := newTestExcluder(t, h)

	require.NoError(t, e.SetExcluded([]string{filepath.Join(h.bin, "browser")}))
	require.NoError(t, e.SetExcluded(nil))
	require.Equal(t, "100", h.rootProcs(t))
	require.Empty(t, e.moved)
}

func TestExcluderForgetsExitedProcesses(t *testing.T) {
	h := newFakeHost(t)
	h.spawn(t, 100, "browser")
	e := newTestExcluder(t, h)

	require.NoError(t, e.SetExcluded([]string{filepath.Join(h.bin, "browser")}))
	h.exit(t, 100)
	require.NoError(t, e.Enforce())
	require.Empty(t, e.moved)
}

func TestExcluderRejectsRelativePaths(t *testing.T) {
	h := newFakeHost(t)
	e := newTestExcluder(t, h)
	require.Error(t, e.SetExcluded([]string{"bin/game"}))
}

func TestExcluderCloseReleasesProcesses(t *testing.T) {
	h := newFakeHost(t)
	h.spawn(t, 100, "browser")
	e := newTestExcluder(t, h)

	require.NoError(t, e.SetExcluded([]string{filepath.Join(h.bin, "browser")}))
	// Outside cgroupfs the group's procs file still lists the pid, so removal fails.
	_ = e.Close()
	require.Equal(t, "100", h.rootProcs(t))
	require.Empty(t, e.moved)
}

func TestExcluderCloseRemovesEmptyGroup(t *testing.T) {
	h := newFakeHost(t)
	e := newTestExcluder(t, h)

	require.NoError(t, e.Close())
	_, err := os.Stat(filepath.Join(h.netCls, cgroupName))
	require.True(t, os.IsNotExist(err))
}
