// Command jroll drives blue/green jail deployments: discover, snapshot,
// send, receive, and restart, across a fleet of FreeBSD hosts (spec.md §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lonerr/jroll/internal/config"
	"github.com/lonerr/jroll/internal/deploy"
	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/logging"
	"github.com/lonerr/jroll/internal/remote"
	"github.com/lonerr/jroll/internal/restart"
	"github.com/lonerr/jroll/internal/show"
)

var commands = []string{"help", "deploy", "restart", "show"}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	verbose := false
	for _, a := range args {
		if a == "-v" || a == "--verbose" {
			verbose = true
		}
	}
	log := logging.New(verbose, "")

	if err := dispatch(args, log); err != nil {
		log.Error().Err(err).Msg("fatal")
		return 1
	}
	return 0
}

func dispatch(args []string, log zerolog.Logger) error {
	var configPath, group string
	var dryRun, sweep, noSweep, active bool

	var commandName string
	var projects []string

	i := 0
	for ; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-c" || a == "--config":
			i++
			if i >= len(args) {
				return &jrollerr.UsageError{Reason: "-c requires a value"}
			}
			configPath = args[i]
		case strings.HasPrefix(a, "--config="):
			configPath = strings.TrimPrefix(a, "--config=")
		case a == "-v" || a == "--verbose":
			// handled in run, before the logger existed
		default:
			commandName = a
			i++
			goto commandFound
		}
	}
commandFound:

	if commandName == "" {
		return &jrollerr.UsageError{Reason: "no command given"}
	}

	resolvedCommand, err := resolveCommand(commandName)
	if err != nil {
		return err
	}

	if resolvedCommand == "help" {
		printUsage()
		return nil
	}

	for ; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-g" || a == "--group":
			i++
			if i >= len(args) {
				return &jrollerr.UsageError{Reason: "-g requires a value"}
			}
			group = args[i]
		case strings.HasPrefix(a, "--group="):
			group = strings.TrimPrefix(a, "--group=")
		case a == "-n" || a == "--dry-run":
			dryRun = true
		case a == "-w" || a == "--sweep":
			sweep = true
		case a == "-W" || a == "--no-sweep":
			noSweep = true
		case a == "-a" || a == "--active":
			active = true
		case a == "-v" || a == "--verbose":
			// already applied
		default:
			projects = append(projects, a)
		}
	}

	if len(projects) == 0 && resolvedCommand != "show" {
		return &jrollerr.UsageError{Reason: "at least one project is required"}
	}

	if configPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return &jrollerr.UsageError{Reason: "cannot determine default config path: " + err.Error()}
		}
		configPath = filepath.Join(filepath.Dir(exe), "..", "etc", "jroll.yml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		for name := range cfg.Projects {
			projects = append(projects, name)
		}
		sort.Strings(projects)
	}

	exec := &remote.SSHCapability{Log: log}
	ctx := context.Background()

	for _, name := range projects {
		p, err := cfg.Project(name)
		if err != nil {
			return err
		}

		switch resolvedCommand {
		case "deploy":
			opts := deploy.Options{DryRun: dryRun, Group: group, Sweep: sweep, NoSweep: noSweep}
			engine := deploy.New(exec, log)
			if err := engine.Deploy(ctx, p, opts); err != nil {
				return err
			}
		case "restart":
			opts := restart.Options{Active: active, DryRun: dryRun, Group: group}
			engine := restart.New(exec, log)
			if err := engine.Restart(ctx, p, opts); err != nil {
				return err
			}
		case "show":
			engine := show.New(exec, log)
			if err := engine.Show(ctx, os.Stdout, p); err != nil {
				return err
			}
		}
	}

	return nil
}

func resolveCommand(prefix string) (string, error) {
	var matches []string
	for _, c := range commands {
		if c == prefix {
			return c, nil
		}
		if strings.HasPrefix(c, prefix) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return "", &jrollerr.UsageError{Reason: fmt.Sprintf("unknown command %q", prefix)}
	case 1:
		return matches[0], nil
	default:
		return "", &jrollerr.UsageError{Reason: fmt.Sprintf("ambiguous command %q: matches %s", prefix, strings.Join(matches, ", "))}
	}
}

func printUsage() {
	fmt.Println(`usage: jroll [-c FILE] [-v] <command> [command-options] <project...>

commands:
  help                 show this message
  deploy               blue/green deploy to the inactive group
  restart              stop/start a cohort and rewrite its meta file
  show                 list projects (all when none named), groups, and member state

global options:
  -c, --config FILE    config file (default: ../etc/jroll.yml next to the binary)
  -v, --verbose        enable debug-level logging

deploy options:
  -g, --group NAME     deploy to this group instead of the resolved inactive one
  -n, --dry-run        discover and plan, but issue no mutating command
  -w, --sweep          force old-snapshot GC even if not in double-excess
  -W, --no-sweep       skip old-snapshot GC entirely

restart options:
  -a, --active         restart the active group instead of the inactive one
  -g, --group NAME     restart this group instead of the resolved one
  -n, --dry-run        issue no mutating command`)
}
