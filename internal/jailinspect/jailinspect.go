// Package jailinspect discovers the live state of a single jail on a
// single host (spec.md §4.1) by running and parsing four remote commands.
// JailInfo is always derived fresh; nothing here is cached across runs.
package jailinspect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
	"github.com/lonerr/jroll/internal/remote"
)

// Inspector discovers JailInfo records over a remote.Exec capability.
type Inspector struct {
	Exec remote.Exec
	Log  zerolog.Logger
}

func New(exec remote.Exec, log zerolog.Logger) *Inspector {
	return &Inspector{Exec: exec, Log: log}
}

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// sanitizeJailName replaces every non-alphanumeric character with '_', as
// ezjail does when naming its per-jail config files (spec.md §4.1 step 1).
func sanitizeJailName(jail string) string {
	return nonAlnum.ReplaceAllString(jail, "_")
}

// Inspect discovers JailInfo for (jail, host).
func (i *Inspector) Inspect(ctx context.Context, jail, host string) (*model.JailInfo, error) {
	safe := sanitizeJailName(jail)

	attrs, err := i.readEzjailConfig(ctx, host, safe)
	if err != nil {
		return nil, err
	}

	rootdir, ok := attrs["rootdir"]
	if !ok || rootdir == "" {
		return nil, &jrollerr.DiscoveryError{Jail: jail, Host: host, Attr: "rootdir"}
	}

	info := &model.JailInfo{
		Jail:     jail,
		Host:     host,
		RootDir:  rootdir,
		IP:       attrs["ip"],
		Hostname: attrs["hostname"],
	}

	rootfs, err := i.findRootFS(ctx, host, rootdir)
	if err != nil {
		return nil, err
	}
	if rootfs == "" {
		return nil, &jrollerr.DiscoveryError{Jail: jail, Host: host, Attr: "rootfs"}
	}
	info.RootFS = rootfs

	snaps, err := i.listSnapshots(ctx, host, rootfs)
	if err != nil {
		return nil, err
	}
	info.Snapshots = snaps
	info.SnapshotSet = make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		info.SnapshotSet[s] = struct{}{}
	}

	running, err := i.isRunning(ctx, host, info.IP, info.Hostname)
	if err != nil {
		return nil, err
	}
	info.Running = running

	return info, nil
}

func (i *Inspector) run(ctx context.Context, host, command string) (string, error) {
	res, err := i.Exec.Run(ctx, host, command)
	if err != nil {
		return "", &jrollerr.RemoteError{Host: host, Command: command, Output: res.Stdout, Err: err}
	}
	return res.Stdout, nil
}

// readEzjailConfig reads /usr/local/etc/ezjail/<safe> and parses every
// export jail_<safe>_<key>="<value>" line (spec.md §4.1 step 2, §6).
func (i *Inspector) readEzjailConfig(ctx context.Context, host, safe string) (map[string]string, error) {
	command := fmt.Sprintf("cat %s", remote.ShellQuote("/usr/local/etc/ezjail/"+safe))
	output, err := i.run(ctx, host, command)
	if err != nil {
		return nil, err
	}

	lineRe := regexp.MustCompile(`^\s*export\s+jail_` + regexp.QuoteMeta(safe) + `_(\w+)="([^"]+)"\s*$`)
	attrs := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := m[1], m[2]
		if key == "ip" {
			if idx := strings.IndexByte(value, '|'); idx >= 0 {
				value = value[idx+1:]
			}
		}
		attrs[key] = value
	}

	return attrs, nil
}

// findRootFS runs `mount -ptzfs` and returns the dataset whose mountpoint
// equals rootdir (spec.md §4.1 step 4, §6).
func (i *Inspector) findRootFS(ctx context.Context, host, rootdir string) (string, error) {
	output, err := i.run(ctx, host, "mount -ptzfs")
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		fs, mountpoint := fields[0], fields[1]
		if mountpoint == rootdir {
			return fs, nil
		}
	}
	return "", nil
}

// listSnapshots runs `zfs list -Hrt snapshot -oname <rootfs>` and returns
// suffixes newest-first (spec.md §4.1 step 5, §6).
func (i *Inspector) listSnapshots(ctx context.Context, host, rootfs string) ([]string, error) {
	command := fmt.Sprintf("zfs list -Hrt snapshot -oname %s", remote.ShellQuote(rootfs))
	output, err := i.run(ctx, host, command)
	if err != nil {
		return nil, err
	}

	prefix := rootfs + "@"
	var suffixes []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, prefix) {
			continue
		}
		suffixes = append(suffixes, strings.TrimPrefix(line, prefix))
	}

	// zfs list emits oldest-first; reverse so the newest snapshot leads.
	for l, r := 0, len(suffixes)-1; l < r; l, r = l+1, r-1 {
		suffixes[l], suffixes[r] = suffixes[r], suffixes[l]
	}
	return suffixes, nil
}

// isRunning runs `ezjail-admin list` and matches the row whose IP/hostname
// columns (3 and 4) equal the ones discovered in the ezjail config (spec.md
// §4.1 step 6, §6).
func (i *Inspector) isRunning(ctx context.Context, host, ip, hostname string) (bool, error) {
	output, err := i.run(ctx, host, "ezjail-admin list")
	if err != nil {
		return false, err
	}

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		if fields[2] == ip && fields[3] == hostname {
			return strings.Contains(fields[0], "R"), nil
		}
	}
	return false, nil
}
