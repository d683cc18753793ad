package remote

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// SSHCapability implements Capability by shelling out to the ssh/scp
// binaries, grounded on the teacher's buildSSHArgs/ensureSSHConnectivity
// idiom (internal/services/zelta/ssh.go): BatchMode so a stuck prompt never
// hangs a run, and accept-new host keys so first contact with a new fleet
// member doesn't require an interactive yes.
type SSHCapability struct {
	User    string
	Port    int
	KeyPath string
	Log     zerolog.Logger
}

var _ Capability = (*SSHCapability)(nil)

func (s *SSHCapability) sshArgs() []string {
	args := []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if s.Port != 0 && s.Port != 22 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	if s.KeyPath != "" {
		args = append(args, "-i", s.KeyPath)
	}
	return args
}

func (s *SSHCapability) destination(host string) string {
	if s.User == "" {
		return host
	}
	return s.User + "@" + host
}

// Run executes command on host via `ssh host command`.
func (s *SSHCapability) Run(ctx context.Context, host, command string) (Result, error) {
	args := append(s.sshArgs(), s.destination(host), command)

	s.Log.Debug().Str("host", host).Str("command", command).Msg("ssh_exec")

	cmd := exec.CommandContext(ctx, "ssh", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := Result{Stdout: strings.TrimRight(out.String(), "\n")}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		result.ExitCode = -1
	}

	return result, err
}

// Push copies localPath to host:remotePath via scp.
func (s *SSHCapability) Push(ctx context.Context, localPath, host, remotePath string) error {
	args := append(s.sshArgs(), localPath, fmt.Sprintf("%s:%s", s.destination(host), remotePath))

	s.Log.Debug().Str("host", host).Str("local", localPath).Str("remote", remotePath).Msg("scp_push")

	cmd := exec.CommandContext(ctx, "scp", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("scp %s -> %s:%s: %w: %s", localPath, host, remotePath, err, out.String())
	}
	return nil
}

// ShellQuote wraps a value in single quotes for safe interpolation into a
// remote command string, escaping embedded single quotes POSIX-sh style.
// spec.md §9 flags unquoted interpolation as a security hazard in the
// source; every engine that splices a path or jail name into a remote
// command line runs it through this first. The project's compress and
// decompress filter commands are spliced in unquoted, as shell pipelines.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
