// Package deploy implements the DeployEngine: the orchestrator that
// discovers jail/ZFS state across a fleet, selects a common base snapshot,
// and drives the snapshot -> incremental-send -> fan-out -> rollback ->
// receive -> restart pipeline for one project (spec.md §4.5).
package deploy

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lonerr/jroll/internal/jailinspect"
	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
	"github.com/lonerr/jroll/internal/pillar"
	"github.com/lonerr/jroll/internal/remote"
	"github.com/lonerr/jroll/internal/resolver"
	"github.com/lonerr/jroll/internal/sweep"
)

const snapshotTimeFormat = "2006-01-02.15:04:05"

// Options are the `deploy` command's flags (spec.md §6).
type Options struct {
	DryRun  bool
	Group   string
	Sweep   bool
	NoSweep bool
}

// Validate enforces the mutual exclusion of --sweep/--no-sweep.
func (o Options) Validate() error {
	if o.Sweep && o.NoSweep {
		return &jrollerr.UsageError{Reason: "--sweep and --no-sweep are mutually exclusive"}
	}
	return nil
}

// Engine is the deployment orchestrator. It is single-threaded and
// strictly sequential (spec.md §5): every remote command is issued and
// awaited before the next begins.
type Engine struct {
	Exec      remote.Exec
	Copy      remote.Copy
	Inspector *jailinspect.Inspector
	Resolver  *resolver.Resolver
	Log       zerolog.Logger

	ProgName string
	Username string
	PID      int
	Now      func() time.Time
}

func New(exec remote.Capability, log zerolog.Logger) *Engine {
	return &Engine{
		Exec:      exec,
		Copy:      exec,
		Inspector: jailinspect.New(exec, log),
		Resolver:  resolver.New(),
		Log:       log,
		ProgName:  "jroll",
		Username:  currentUsername(),
		PID:       os.Getpid(),
		Now:       time.Now,
	}
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// metaDoc mirrors the meta file YAML layout in spec.md §6.
type metaDoc struct {
	Date    string `yaml:"date"`
	Group   string `yaml:"group"`
	Info    string `yaml:"info"`
	Jail    string `yaml:"jail"`
	Node    string `yaml:"node"`
	Project string `yaml:"project"`
}

// Deploy runs the full pipeline for one project.
func (e *Engine) Deploy(ctx context.Context, p *model.Project, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	start := e.Now()

	group := opts.Group
	if group == "" {
		resolved, err := e.Resolver.Resolve(p)
		if err != nil {
			return err
		}
		group = resolved
	}

	members, ok := p.Members(group)
	if !ok {
		return &jrollerr.LookupError{Kind: "group", Name: group}
	}

	superJail, err := p.SuperJail()
	if err != nil {
		return err
	}
	superHost, err := p.SuperHost()
	if err != nil {
		return err
	}

	e.Log.Info().Str("project", p.Name).Str("group", group).Msg("deploy_starting")

	super, err := e.Inspector.Inspect(ctx, superJail, superHost)
	if err != nil {
		return err
	}

	targets := make(map[string]*model.JailInfo, len(members))
	memberHosts := make(map[string]string, len(members))
	for _, m := range members {
		jail, host, err := model.ParseID(m.ID)
		if err != nil {
			return err
		}
		memberHosts[m.ID] = host

		info, err := e.Inspector.Inspect(ctx, jail, host)
		if err != nil {
			return err
		}
		targets[m.ID] = info
	}

	plan := pillar.Build(superHost, p.DC, members, memberHosts)

	base, err := selectBase(super, targets)
	if err != nil {
		return &jrollerr.NoCommonBase{Project: p.Name}
	}
	e.Log.Info().Str("base", base).Msg("base_selected")

	sweepPlans := make(map[string][]string, len(members))
	if !opts.NoSweep {
		for _, m := range members {
			target := targets[m.ID]
			keep := m.EffectiveKeep(p.Keep)
			sweepPlans[m.ID] = sweep.Plan(target.Snapshots, base, keep, sweep.Options{Sweep: opts.Sweep, NoSweep: opts.NoSweep})
		}
	}

	quiesced := len(p.Clean) > 0
	if quiesced {
		if err := e.mutate(ctx, opts.DryRun, superHost, fmt.Sprintf("ezjail-admin stop %s", remote.ShellQuote(superJail)),
			"stop_super_jail"); err != nil {
			return err
		}
		for _, dir := range p.Clean {
			cmd := fmt.Sprintf("find %s -type f -delete", remote.ShellQuote(super.RootDir+dir))
			if err := e.mutate(ctx, opts.DryRun, superHost, cmd, "clean_super_dir"); err != nil {
				return err
			}
		}
	}

	snapName := "jroll." + e.Now().Format(snapshotTimeFormat)
	snapCmd := fmt.Sprintf("zfs snapshot %s", remote.ShellQuote(super.RootFS+"@"+snapName))
	if err := e.mutate(ctx, opts.DryRun, superHost, snapCmd, "snapshot_super"); err != nil {
		return err
	}

	if quiesced {
		if err := e.mutate(ctx, opts.DryRun, superHost, fmt.Sprintf("ezjail-admin start %s", remote.ShellQuote(superJail)),
			"restart_super_jail"); err != nil {
			return err
		}
	}

	dumpPath := e.dumpPath(p.Name)
	if p.RandomizeDumpNames {
		dumpPath = dumpPathWithRandomSuffix(dumpPath)
	}
	sendCmd := fmt.Sprintf("zfs send -I %s %s",
		remote.ShellQuote("@"+base), remote.ShellQuote(super.RootFS+"@"+snapName))
	if p.Compress != "" {
		sendCmd += " | " + p.Compress
	}
	sendCmd += " > " + remote.ShellQuote(dumpPath)
	if err := e.mutate(ctx, opts.DryRun, superHost, sendCmd, "dump_delta"); err != nil {
		return err
	}

	if !opts.DryRun {
		if size, err := e.dumpSize(ctx, superHost, dumpPath); err == nil {
			e.Log.Info().Str("dump", dumpPath).Int64("bytes", size).Msg("dump_written")
		}
	}

	for _, m := range members {
		if err := e.deployMember(ctx, p, group, m, memberHosts[m.ID], targets[m.ID], plan, base, dumpPath, sweepPlans[m.ID], opts); err != nil {
			return err
		}
	}

	for _, host := range plan.PillarHosts() {
		cmd := fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath))
		if err := e.mutate(ctx, opts.DryRun, host, cmd, "reap_pillar_dump"); err != nil {
			return err
		}
	}

	e.Log.Info().Dur("elapsed", e.Now().Sub(start)).Msg("deploy_finished")
	return nil
}

func (e *Engine) deployMember(
	ctx context.Context,
	p *model.Project,
	group string,
	m model.Member,
	host string,
	target *model.JailInfo,
	plan *pillar.Plan,
	base, dumpPath string,
	sweepPlan []string,
	opts Options,
) error {
	jail, _, err := model.ParseID(m.ID)
	if err != nil {
		return err
	}

	pillarHost := plan.MemberPillarHost[m.ID]
	if pillarHost != host {
		cmd := fmt.Sprintf("scp %s %s:%s", remote.ShellQuote(dumpPath), host, remote.ShellQuote(dumpPath))
		if err := e.mutate(ctx, opts.DryRun, pillarHost, cmd, "fanout_copy"); err != nil {
			return err
		}
	}

	if target.Running {
		if err := e.mutate(ctx, opts.DryRun, host, fmt.Sprintf("ezjail-admin stop %s", remote.ShellQuote(jail)), "stop_member"); err != nil {
			return err
		}
	}

	rollbackCmd := fmt.Sprintf("zfs rollback -r %s", remote.ShellQuote(target.RootFS+"@"+base))
	if err := e.mutate(ctx, opts.DryRun, host, rollbackCmd, "rollback_member"); err != nil {
		return err
	}

	recvCmd := fmt.Sprintf("zfs recv %s < %s", remote.ShellQuote(target.RootFS), remote.ShellQuote(dumpPath))
	if p.Decompress != "" {
		recvCmd = fmt.Sprintf("%s < %s | zfs recv %s", p.Decompress, remote.ShellQuote(dumpPath), remote.ShellQuote(target.RootFS))
	}
	if err := e.mutate(ctx, opts.DryRun, host, recvCmd, "receive_member"); err != nil {
		return err
	}

	for _, path := range m.EffectiveCopy(p.Copy) {
		cmd := fmt.Sprintf("cp %s %s", remote.ShellQuote(path), remote.ShellQuote(target.RootDir+path))
		if err := e.mutate(ctx, opts.DryRun, host, cmd, "copy_node_file"); err != nil {
			return err
		}
	}

	metaPath := m.EffectiveMeta(p.Meta)
	if metaPath != "" {
		if err := e.writeMetaFile(ctx, p, group, jail, host, target, metaPath, opts); err != nil {
			return err
		}
	}

	if !m.Halt {
		if err := e.mutate(ctx, opts.DryRun, host, fmt.Sprintf("ezjail-admin start %s", remote.ShellQuote(jail)), "start_member"); err != nil {
			return err
		}
	}

	if !plan.IsPillar(m, host) {
		cmd := fmt.Sprintf("rm -f %s", remote.ShellQuote(dumpPath))
		if err := e.mutate(ctx, opts.DryRun, host, cmd, "delete_member_dump"); err != nil {
			return err
		}
	}

	for _, snap := range sweepPlan {
		cmd := fmt.Sprintf("zfs destroy %s", remote.ShellQuote(target.RootFS+"@"+snap))
		if err := e.mutate(ctx, opts.DryRun, host, cmd, "sweep_destroy"); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) writeMetaFile(ctx context.Context, p *model.Project, group, jail, host string, target *model.JailInfo, metaPath string, opts Options) error {
	doc := metaDoc{
		Date:    e.Now().Format("2006-01-02 15:04:05"),
		Group:   group,
		Info:    p.Info,
		Jail:    jail,
		Node:    host,
		Project: p.Name,
	}
	if doc.Info == "" {
		doc.Info = "~"
	}

	if opts.DryRun {
		e.Log.Info().Str("host", host).Str("path", metaPath).Msg("dry_run_would_write_meta")
		return nil
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal meta doc: %w", err)
	}

	tmpFile, err := os.CreateTemp("", "jroll-meta-*.yml")
	if err != nil {
		return fmt.Errorf("create local meta temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write local meta temp file: %w", err)
	}
	tmpFile.Close()

	remoteTmp := fmt.Sprintf("%s/tmp/deploy.meta.yml.%s.%d", target.RootDir, e.Username, e.PID)
	if err := e.Copy.Push(ctx, tmpFile.Name(), host, remoteTmp); err != nil {
		return &jrollerr.RemoteError{Host: host, Command: "scp meta file", Output: "", Err: err}
	}

	finalPath := target.RootDir + metaPath
	cmd := fmt.Sprintf("mv %s %s && chown 0:0 %s && chmod 444 %s",
		remote.ShellQuote(remoteTmp), remote.ShellQuote(finalPath),
		remote.ShellQuote(finalPath), remote.ShellQuote(finalPath))
	return e.mutate(ctx, false, host, cmd, "install_meta_file")
}

func (e *Engine) dumpPath(projectName string) string {
	path := fmt.Sprintf("/tmp/%s.%s.%d.%s", e.ProgName, e.Username, e.PID, projectName)
	return path
}

// dumpPathWithRandomSuffix appends a random segment per spec.md §9's
// collision note, used when Project.RandomizeDumpNames is set.
func dumpPathWithRandomSuffix(path string) string {
	return path + "." + uuid.NewString()[:8]
}

func (e *Engine) dumpSize(ctx context.Context, host, path string) (int64, error) {
	res, err := e.Exec.Run(ctx, host, fmt.Sprintf("stat -f%%z %s", remote.ShellQuote(path)))
	if err != nil {
		return 0, &jrollerr.RemoteError{Host: host, Command: "stat dump size", Output: res.Stdout, Err: err}
	}
	var size int64
	if _, err := fmt.Sscanf(res.Stdout, "%d", &size); err != nil {
		return 0, err
	}
	return size, nil
}

// mutate executes a mutating remote command, or logs what would happen and
// skips it in dry-run mode (spec.md §4.5, "Dry-run semantics").
func (e *Engine) mutate(ctx context.Context, dryRun bool, host, command, tag string) error {
	if dryRun {
		e.Log.Info().Str("host", host).Str("command", command).Msg("dry_run_would_" + tag)
		return nil
	}

	e.Log.Debug().Str("host", host).Str("command", command).Msg(tag)
	res, err := e.Exec.Run(ctx, host, command)
	if err != nil {
		return &jrollerr.RemoteError{Host: host, Command: command, Output: res.Stdout, Err: err}
	}
	return nil
}

// selectBase iterates the super's snapshots newest-first and returns the
// first one present on every target (spec.md §4.5 step 3, §9 "base
// selection ordering").
func selectBase(super *model.JailInfo, targets map[string]*model.JailInfo) (string, error) {
	for _, snap := range super.Snapshots {
		onAll := true
		for _, t := range targets {
			if !t.HasSnapshot(snap) {
				onAll = false
				break
			}
		}
		if onAll {
			return snap, nil
		}
	}
	return "", fmt.Errorf("no common base snapshot")
}
