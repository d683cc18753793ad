// Package restart implements the RestartEngine: stop/start a cohort and
// re-deploy its meta file without touching ZFS state (spec.md §4.6). It
// reuses JailInspector and InactiveResolver rather than re-discovering or
// re-resolving on its own.
package restart

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lonerr/jroll/internal/jailinspect"
	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
	"github.com/lonerr/jroll/internal/remote"
	"github.com/lonerr/jroll/internal/resolver"
)

// stopSettleDelay is the pause after stopping a member, long enough for
// ezjail to finish tearing the jail down before the meta file is rewritten
// (spec.md §4.6, §5).
const stopSettleDelay = 3 * time.Second

// Options are the `restart` command's flags (spec.md §6).
type Options struct {
	Active  bool
	DryRun  bool
	Group   string
}

// Engine is the restart orchestrator.
type Engine struct {
	Exec      remote.Exec
	Copy      remote.Copy
	Inspector *jailinspect.Inspector
	Resolver  *resolver.Resolver
	Log       zerolog.Logger

	Username string
	PID      int
	Sleep    func(time.Duration)
	Now      func() time.Time
}

func New(exec remote.Capability, log zerolog.Logger) *Engine {
	return &Engine{
		Exec:      exec,
		Copy:      exec,
		Inspector: jailinspect.New(exec, log),
		Resolver:  resolver.New(),
		Log:       log,
		Username:  currentUsername(),
		PID:       os.Getpid(),
		Sleep:     time.Sleep,
		Now:       time.Now,
	}
}

func currentUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

type metaDoc struct {
	Date    string `yaml:"date"`
	Group   string `yaml:"group"`
	Info    string `yaml:"info"`
	Jail    string `yaml:"jail"`
	Node    string `yaml:"node"`
	Project string `yaml:"project"`
}

// Restart runs the pipeline in spec.md §4.6.
func (e *Engine) Restart(ctx context.Context, p *model.Project, opts Options) error {
	group := opts.Group
	var err error
	switch {
	case group != "":
		// explicit group wins
	case opts.Active:
		group, err = e.Resolver.ResolveActive(p)
	default:
		group, err = e.Resolver.Resolve(p)
	}
	if err != nil {
		return err
	}

	members, ok := p.Members(group)
	if !ok {
		return &jrollerr.LookupError{Kind: "group", Name: group}
	}

	e.Log.Info().Str("project", p.Name).Str("group", group).Msg("restart_starting")

	for _, m := range members {
		if err := e.restartMember(ctx, p, group, m, opts); err != nil {
			return err
		}
	}

	e.Log.Info().Str("project", p.Name).Str("group", group).Msg("restart_finished")
	return nil
}

func (e *Engine) restartMember(ctx context.Context, p *model.Project, group string, m model.Member, opts Options) error {
	jail, host, err := model.ParseID(m.ID)
	if err != nil {
		return err
	}

	info, err := e.Inspector.Inspect(ctx, jail, host)
	if err != nil {
		return err
	}

	if info.Running {
		if err := e.mutate(ctx, opts.DryRun, host, fmt.Sprintf("ezjail-admin stop %s", remote.ShellQuote(jail)), "stop_member"); err != nil {
			return err
		}
		if !opts.DryRun {
			e.Sleep(stopSettleDelay)
		}
	}

	for _, path := range m.EffectiveCopy(p.Copy) {
		cmd := fmt.Sprintf("cp %s %s", remote.ShellQuote(path), remote.ShellQuote(info.RootDir+path))
		if err := e.mutate(ctx, opts.DryRun, host, cmd, "refresh_node_file"); err != nil {
			return err
		}
	}

	metaPath := m.EffectiveMeta(p.Meta)
	if metaPath != "" {
		if err := e.writeMetaFile(ctx, p, group, jail, host, info, metaPath, opts); err != nil {
			return err
		}
	}

	if !m.Halt {
		if err := e.mutate(ctx, opts.DryRun, host, fmt.Sprintf("ezjail-admin start %s", remote.ShellQuote(jail)), "start_member"); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) writeMetaFile(ctx context.Context, p *model.Project, group, jail, host string, info *model.JailInfo, metaPath string, opts Options) error {
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

	remoteTmp := fmt.Sprintf("%s/tmp/deploy.meta.yml.%s.%d", info.RootDir, e.Username, e.PID)
	if err := e.Copy.Push(ctx, tmpFile.Name(), host, remoteTmp); err != nil {
		return &jrollerr.RemoteError{Host: host, Command: "scp meta file", Output: "", Err: err}
	}

	finalPath := info.RootDir + metaPath
	cmd := fmt.Sprintf("mv %s %s && chown 0:0 %s && chmod 444 %s",
		remote.ShellQuote(remoteTmp), remote.ShellQuote(finalPath),
		remote.ShellQuote(finalPath), remote.ShellQuote(finalPath))
	return e.mutate(ctx, false, host, cmd, "install_meta_file")
}

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
