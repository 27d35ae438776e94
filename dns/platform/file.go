package platform

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
)

const fileHeader = "# Generated by warden. The previous file is restored on disconnect.\n"

// FileDNSConfigurator rewrites resolv.conf directly. The original bytes (or the
// original symlink) are kept in memory and in a backup next to it so a crash can be
// recovered from.
type FileDNSConfigurator struct {
	path          string
	backupPath    string
	original      []byte
	originalMode  os.FileMode
	originalLink  string
	originalState *DNSState
}

// NewFileDNSConfigurator manages path. A backup left by a previous unclean
// shutdown is restored first.
func NewFileDNSConfigurator(path string) (*FileDNSConfigurator, error) {
	if path == "" {
		path = defaultResolvConfPath
	}
	f := &FileDNSConfigurator{
		path:       path,
		backupPath: filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".warden"),
	}
	if err := f.recoverBackup(); err != nil {
		return nil, fmt.Errorf("cleanup unclean shutdown: %w", err)
	}
	return f, nil
}

func (f *FileDNSConfigurator) Name() string {
	return "file"
}

func (f *FileDNSConfigurator) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}

	if f.originalState == nil {
		linfo, err := os.Lstat(f.path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f.path, err)
		}
		var link string
		if linfo.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(f.path); err != nil {
				return nil, fmt.Errorf("readlink %s: %w", f.path, err)
			}
		}
		info, err := os.Stat(f.path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", f.path, err)
		}
		content, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.path, err)
		}
		originalServers, search, err := readResolvConf(f.path)
		if err != nil {
			return nil, err
		}
		if link != "" {
			os.Remove(f.backupPath)
			err = os.Symlink(link, f.backupPath)
		} else {
			err = os.WriteFile(f.backupPath, content, 0o600)
		}
		if err != nil {
			return nil, fmt.Errorf("write backup: %w", err)
		}
		f.original = content
		f.originalMode = info.Mode().Perm()
		f.originalLink = link
		f.originalState = &DNSState{
			OriginalServers:       originalServers,
			OriginalSearchDomains: search,
			ConfiguratorName:      f.Name(),
		}
	}

	body := renderResolvConf(fileHeader, servers, f.originalState.OriginalSearchDomains)
	if err := writeFileAtomic(f.path, body, f.originalMode); err != nil {
		return nil, err
	}
	return f.originalState.OriginalServers, nil
}

// RestoreDNS puts back the symlink or the exact bytes recorded by the first SetDNS.
func (f *FileDNSConfigurator) RestoreDNS() error {
	if f.originalState == nil {
		return nil
	}
	var err error
	if f.originalLink != "" {
		err = symlinkAtomic(f.originalLink, f.path)
	} else {
		err = writeFileAtomic(f.path, f.original, f.originalMode)
	}
	if err != nil {
		return err
	}
	if err := os.Remove(f.backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup: %w", err)
	}
	f.original = nil
	f.originalLink = ""
	f.originalState = nil
	return nil
}

func (f *FileDNSConfigurator) GetCurrentDNS() ([]netip.Addr, error) {
	servers, _, err := readResolvConf(f.path)
	return servers, err
}

func (f *FileDNSConfigurator) recoverBackup() error {
	info, err := os.Lstat(f.backupPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		link, err := os.Readlink(f.backupPath)
		if err != nil {
			return err
		}
		if err := symlinkAtomic(link, f.path); err != nil {
			return err
		}
		return os.Remove(f.backupPath)
	}

	content, err := os.ReadFile(f.backupPath)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, content, 0o644); err != nil {
		return err
	}
	return os.Remove(f.backupPath)
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// symlinkAtomic points path at target, replacing whatever is there in one rename.
func symlinkAtomic(target, path string) error {
	tmp := path + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("symlink %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
