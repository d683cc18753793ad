// Package remote defines the opaque remote-shell capability the deployment
// engine is built on (spec.md §1): RemoteExec runs a shell command on a
// named host and returns its output; RemoteCopy pushes a local file to a
// remote path. Everything above this package treats both as black boxes —
// no engine ever manages an SSH session itself.
package remote

import "context"

// Result is the captured outcome of a remote command.
type Result struct {
	Stdout   string
	ExitCode int
}

// Exec runs a shell command line on host and waits for it to complete.
// Implementations MUST NOT retry; spec.md §7 is fail-fast by design.
type Exec interface {
	Run(ctx context.Context, host, command string) (Result, error)
}

// Copy pushes a local file to path on host.
type Copy interface {
	Push(ctx context.Context, localPath, host, remotePath string) error
}

// Capability bundles Exec and Copy, the shape every engine constructor
// takes (spec.md §1, "RemoteExec ... RemoteCopy").
type Capability interface {
	Exec
	Copy
}
