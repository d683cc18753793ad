package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
	"github.com/lonerr/jroll/internal/remote"
)

type pushCall struct {
	localPath, host, remotePath string
}

// fakeCapability is an exact-match command recorder/player: every Run the
// pipeline issues must have been pre-registered via on(), or the test fails
// with the offending command so a missing stub is easy to spot. Push calls
// are recorded in pushCalls and always succeed.
type fakeCapability struct {
	t         *testing.T
	responses map[string]string
	execCalls []string
	pushCalls []pushCall
}

func newFakeCapability(t *testing.T) *fakeCapability {
	return &fakeCapability{t: t, responses: map[string]string{}}
}

func (f *fakeCapability) on(host, command, output string) {
	f.responses[host+"\x00"+command] = output
}

func (f *fakeCapability) Run(_ context.Context, host, command string) (remote.Result, error) {
	f.execCalls = append(f.execCalls, host+" | "+command)
	key := host + "\x00" + command
	out, ok := f.responses[key]
	if !ok {
		f.t.Fatalf("unstubbed command on host %q: %q", host, command)
	}
	return remote.Result{Stdout: out, ExitCode: 0}, nil
}

func (f *fakeCapability) Push(_ context.Context, localPath, host, remotePath string) error {
	f.pushCalls = append(f.pushCalls, pushCall{localPath, host, remotePath})
	return nil
}

func stubInspect(f *fakeCapability, jail, host, rootdir, rootfs, ip, hostname string, running bool, snapshotsNewestFirst []string) {
	ezjailLine := func(key, value string) string { return fmt.Sprintf("export jail_%s_%s=\"%s\"\n", jail, key, value) }
	ezjailBody := ezjailLine("rootdir", rootdir) + ezjailLine("ip", "lo1|"+ip) + ezjailLine("hostname", hostname)
	f.on(host, fmt.Sprintf("cat %s", remote.ShellQuote("/usr/local/etc/ezjail/"+jail)), ezjailBody)
	f.on(host, "mount -ptzfs", fmt.Sprintf("%s %s zfs rw\n", rootfs, rootdir))

	var zfsOut string
	for i := len(snapshotsNewestFirst) - 1; i >= 0; i-- {
		zfsOut += rootfs + "@" + snapshotsNewestFirst[i] + "\n"
	}
	f.on(host, fmt.Sprintf("zfs list -Hrt snapshot -oname %s", remote.ShellQuote(rootfs)), zfsOut)

	state := "Z"
	if running {
		state = "R"
	}
	f.on(host, "ezjail-admin list", fmt.Sprintf("%s N %s %s %s\n", state, ip, hostname, rootdir))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDeploySingleDCHappyPath(t *testing.T) {
	exec := newFakeCapability(t)

	superHost, memberHost := "superhost1", "memberhost1"
	superRootdir, superRootfs := "/jails/web-super", "zroot/jails/web-super"
	memberRootdir, memberRootfs := "/jails/web-member1", "zroot/jails/web-member1"

	stubInspect(exec, "web", superHost, superRootdir, superRootfs, "10.0.0.1", "super.local", true,
		[]string{"jroll.2024-01-02.00:00:00", "jroll.2024-01-01.00:00:00"})
	stubInspect(exec, "web", memberHost, memberRootdir, memberRootfs, "10.0.0.2", "member1.local", true,
		[]string{"jroll.2024-01-01.00:00:00"})

	dumpPath := "/tmp/jroll.testuser.123.webapp"
	base := "jroll.2024-01-01.00:00:00"
	newSnap := "jroll.2024-01-03.10:00:00"

	exec.on(superHost, "ezjail-admin stop 'web'", "")
	exec.on(superHost, fmt.Sprintf("find %s -type f -delete", remote.ShellQuote(superRootdir+"/tmp")), "")
	exec.on(superHost, fmt.Sprintf("find %s -type f -delete", remote.ShellQuote(superRootdir+"/var/log")), "")
	exec.on(superHost, fmt.Sprintf("zfs snapshot %s", remote.ShellQuote(superRootfs+"@"+newSnap)), "")
	exec.on(superHost, "ezjail-admin start 'web'", "")
	exec.on(superHost, fmt.Sprintf("zfs send -I %s %s > %s",
		remote.ShellQuote("@"+base), remote.ShellQuote(superRootfs+"@"+newSnap), remote.ShellQuote(dumpPath)), "")
	exec.on(superHost, fmt.Sprintf("stat -f%%z %s", remote.ShellQuote(dumpPath)), "12345")

	exec.on(superHost, fmt.Sprintf("scp %s %s:%s", remote.ShellQuote(dumpPath), memberHost, remote.ShellQuote(dumpPath)), "")
	exec.on(memberHost, "ezjail-admin stop 'web'", "")
	exec.on(memberHost, fmt.Sprintf("zfs rollback -r %s", remote.ShellQuote(memberRootfs+"@"+base)), "")
	exec.on(memberHost, fmt.Sprintf("zfs recv %s < %s", remote.ShellQuote(memberRootfs), remote.ShellQuote(dumpPath)), "")
	exec.on(memberHost, fmt.Sprintf("cp %s %s", remote.ShellQuote("/etc/hosts"), remote.ShellQuote(memberRootdir+"/etc/hosts")), "")
	exec.on(memberHost, fmt.Sprintf("cp %s %s", remote.ShellQuote("/etc/resolv.conf"), remote.ShellQuote(memberRootdir+"/etc/resolv.conf")), "")

	metaFinal := remote.ShellQuote(memberRootdir + "/etc/deploy.meta.yml")
	metaTmp := remote.ShellQuote(memberRootdir + "/tmp/deploy.meta.yml.testuser.123")
	exec.on(memberHost, fmt.Sprintf("mv %s %s && chown 0:0 %s && chmod 444 %s", metaTmp, metaFinal, metaFinal, metaFinal), "")
	exec.on(memberHost, "ezjail-admin start 'web'", "")
	exec.on(memberHost, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")
	exec.on(superHost, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")

	engine := New(exec, zerolog.Nop())
	engine.Username = "testuser"
	engine.PID = 123
	engine.Now = fixedClock(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))

	p := &model.Project{
		Name:  "webapp",
		Super: "web@" + superHost,
		Keep:  23,
		Groups: map[string][]model.Member{
			"green": {{ID: "web@" + memberHost}},
		},
	}
	p.ApplyDefaults()

	err := engine.Deploy(context.Background(), p, Options{Group: "green", NoSweep: true})
	require.NoError(t, err)

	require.Len(t, exec.pushCalls, 1)
	assert.Equal(t, memberHost, exec.pushCalls[0].host)
	assert.Equal(t, memberRootdir+"/tmp/deploy.meta.yml.testuser.123", exec.pushCalls[0].remotePath)
}

func TestDeployRejectsConflictingSweepFlags(t *testing.T) {
	engine := New(newFakeCapability(t), zerolog.Nop())
	err := engine.Deploy(context.Background(), &model.Project{}, Options{Sweep: true, NoSweep: true})
	assert.Error(t, err)
}

func TestDeployUnknownGroupIsLookupError(t *testing.T) {
	engine := New(newFakeCapability(t), zerolog.Nop())
	p := &model.Project{
		Name:   "webapp",
		Super:  "web@superhost1",
		Groups: map[string][]model.Member{"blue": {{ID: "web@memberhost1"}}},
	}
	err := engine.Deploy(context.Background(), p, Options{Group: "does-not-exist"})
	require.Error(t, err)
	var lookupErr *jrollerr.LookupError
	assert.ErrorAs(t, err, &lookupErr)
}

func TestDeployDryRunIssuesNoMutatingCommand(t *testing.T) {
	exec := newFakeCapability(t)

	superHost, memberHost := "superhost1", "memberhost1"
	stubInspect(exec, "web", superHost, "/jails/web-super", "zroot/jails/web-super", "10.0.0.1", "super.local", true,
		[]string{"jroll.2024-01-01.00:00:00"})
	stubInspect(exec, "web", memberHost, "/jails/web-member1", "zroot/jails/web-member1", "10.0.0.2", "member1.local", true,
		[]string{"jroll.2024-01-01.00:00:00"})

	engine := New(exec, zerolog.Nop())
	engine.Username = "testuser"
	engine.PID = 123
	engine.Now = fixedClock(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))

	p := &model.Project{
		Name:  "webapp",
		Super: "web@" + superHost,
		Keep:  23,
		Groups: map[string][]model.Member{
			"green": {{ID: "web@" + memberHost}},
		},
	}
	p.ApplyDefaults()

	err := engine.Deploy(context.Background(), p, Options{Group: "green", DryRun: true, NoSweep: true})
	require.NoError(t, err)
	assert.Empty(t, exec.pushCalls)
}

func TestDeployNoCommonBaseIsFatalAndIssuesNoMutatingCommand(t *testing.T) {
	exec := newFakeCapability(t)

	superHost, memberHost := "superhost1", "memberhost1"
	stubInspect(exec, "web", superHost, "/jails/web-super", "zroot/jails/web-super", "10.0.0.1", "super.local", true,
		[]string{"jroll.2024-03-01.00:00:00"})
	stubInspect(exec, "web", memberHost, "/jails/web-member1", "zroot/jails/web-member1", "10.0.0.2", "member1.local", true,
		[]string{"jroll.2024-02-01.00:00:00"})

	engine := New(exec, zerolog.Nop())
	p := &model.Project{
		Name:  "webapp",
		Super: "web@" + superHost,
		Keep:  3,
		Groups: map[string][]model.Member{
			"green": {{ID: "web@" + memberHost}},
		},
	}
	p.ApplyDefaults()

	err := engine.Deploy(context.Background(), p, Options{Group: "green"})
	require.Error(t, err)

	var noBase *jrollerr.NoCommonBase
	assert.ErrorAs(t, err, &noBase)
	// no mutating stub was registered beyond discovery; fakeCapability.Run
	// would have already failed the test if deploy attempted one.
}

// TestDeployCrossDCPillarReuse implements the S2 scenario from spec.md §8:
// a dump scp'd super->h1, then h1->h2 (same DC), and super->h3 (new DC);
// h1 and h3 retain their copies for the final reap, h2 deletes immediately.
func TestDeployCrossDCPillarReuse(t *testing.T) {
	exec := newFakeCapability(t)

	superHost := "h0"
	h1, h2, h3 := "h1", "h2", "h3"
	superRootdir, superRootfs := "/jails/s-super", "zroot/jails/s-super"

	stubInspect(exec, "s", superHost, superRootdir, superRootfs, "10.0.0.0", "super.local", true,
		[]string{"jroll.2024-01-01.00:00:00"})
	stubInspect(exec, "s", h1, "/jails/s-m1", "zroot/jails/s-m1", "10.0.1.1", "m1.local", false,
		[]string{"jroll.2024-01-01.00:00:00"})
	stubInspect(exec, "s", h2, "/jails/s-m2", "zroot/jails/s-m2", "10.0.1.2", "m2.local", false,
		[]string{"jroll.2024-01-01.00:00:00"})
	stubInspect(exec, "s", h3, "/jails/s-m3", "zroot/jails/s-m3", "10.0.2.1", "m3.local", false,
		[]string{"jroll.2024-01-01.00:00:00"})

	base := "jroll.2024-01-01.00:00:00"
	newSnap := "jroll.2024-01-03.10:00:00"
	dumpPath := "/tmp/jroll.testuser.123.webapp"

	exec.on(superHost, "ezjail-admin stop 's'", "")
	exec.on(superHost, fmt.Sprintf("find %s -type f -delete", remote.ShellQuote(superRootdir+"/tmp")), "")
	exec.on(superHost, fmt.Sprintf("find %s -type f -delete", remote.ShellQuote(superRootdir+"/var/log")), "")
	exec.on(superHost, fmt.Sprintf("zfs snapshot %s", remote.ShellQuote(superRootfs+"@"+newSnap)), "")
	exec.on(superHost, "ezjail-admin start 's'", "")
	exec.on(superHost, fmt.Sprintf("zfs send -I %s %s > %s",
		remote.ShellQuote("@"+base), remote.ShellQuote(superRootfs+"@"+newSnap), remote.ShellQuote(dumpPath)), "")
	exec.on(superHost, fmt.Sprintf("stat -f%%z %s", remote.ShellQuote(dumpPath)), "1")

	// super -> h1, super -> h3: both cross into a fresh DC.
	exec.on(superHost, fmt.Sprintf("scp %s %s:%s", remote.ShellQuote(dumpPath), h1, remote.ShellQuote(dumpPath)), "")
	exec.on(superHost, fmt.Sprintf("scp %s %s:%s", remote.ShellQuote(dumpPath), h3, remote.ShellQuote(dumpPath)), "")
	// h1 -> h2: intra-DC reuse of the pillar copy, no second WAN crossing.
	exec.on(h1, fmt.Sprintf("scp %s %s:%s", remote.ShellQuote(dumpPath), h2, remote.ShellQuote(dumpPath)), "")

	for _, m := range []struct{ host, rootfs, rootdir string }{
		{h1, "zroot/jails/s-m1", "/jails/s-m1"},
		{h2, "zroot/jails/s-m2", "/jails/s-m2"},
		{h3, "zroot/jails/s-m3", "/jails/s-m3"},
	} {
		exec.on(m.host, fmt.Sprintf("zfs rollback -r %s", remote.ShellQuote(m.rootfs+"@"+base)), "")
		exec.on(m.host, fmt.Sprintf("zfs recv %s < %s", remote.ShellQuote(m.rootfs), remote.ShellQuote(dumpPath)), "")
		exec.on(m.host, fmt.Sprintf("cp %s %s", remote.ShellQuote("/etc/hosts"), remote.ShellQuote(m.rootdir+"/etc/hosts")), "")
		exec.on(m.host, fmt.Sprintf("cp %s %s", remote.ShellQuote("/etc/resolv.conf"), remote.ShellQuote(m.rootdir+"/etc/resolv.conf")), "")
		metaFinal := remote.ShellQuote(m.rootdir + "/etc/deploy.meta.yml")
		metaTmp := remote.ShellQuote(m.rootdir + "/tmp/deploy.meta.yml.testuser.123")
		exec.on(m.host, fmt.Sprintf("mv %s %s && chown 0:0 %s && chmod 444 %s", metaTmp, metaFinal, metaFinal, metaFinal), "")
		exec.on(m.host, "ezjail-admin start 's'", "")
	}

	// h2 is not a pillar for its DC (h1 is): it deletes its dump right away.
	exec.on(h2, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")
	// h1 and h3 ARE pillars for their DCs: they keep the dump until the
	// final reap pass, which runs against each distinct pillar host
	// (the super's own DC pillar, h0, is reaped too).
	exec.on(superHost, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")
	exec.on(h1, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")
	exec.on(h3, fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath)), "")

	engine := New(exec, zerolog.Nop())
	engine.Username, engine.PID = "testuser", 123
	engine.Now = fixedClock(time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC))

	p := &model.Project{
		Name:  "webapp",
		Super: "s@" + superHost,
		DC:    "dcA",
		Keep:  23,
		Groups: map[string][]model.Member{
			"green": {
				{ID: "s@" + h1, DC: "dcB"},
				{ID: "s@" + h2, DC: "dcB"},
				{ID: "s@" + h3, DC: "dcC"},
			},
		},
	}
	p.ApplyDefaults()

	err := engine.Deploy(context.Background(), p, Options{Group: "green", NoSweep: true})
	require.NoError(t, err)
}
