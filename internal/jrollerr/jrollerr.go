// Package jrollerr defines the fatal error kinds jroll engines raise
// (spec.md §7). Propagation is fail-fast: the first error aborts the run,
// nothing is retried, and the CLI logs the error and exits with status 1
// whatever its kind.
package jrollerr

import "fmt"

// ConfigError wraps a problem loading or validating the config file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config_error: %s: %s", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// LookupError reports an unknown project or group name.
type LookupError struct {
	Kind string // "project" or "group"
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup_error: unknown %s %q", e.Kind, e.Name)
}

// DiscoveryError reports a required jail attribute that could not be
// discovered on a remote host (spec.md §4.1).
type DiscoveryError struct {
	Jail string
	Host string
	Attr string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery_error: %s@%s: missing %s", e.Jail, e.Host, e.Attr)
}

// RemoteError reports a remote command that exited non-zero.
type RemoteError struct {
	Host    string
	Command string
	Output  string
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote_error: %s: %q: %s: %s", e.Host, e.Command, e.Err, e.Output)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NoCommonBase reports that no snapshot on the super is present on every
// target (spec.md §4.5 step 3).
type NoCommonBase struct {
	Project string
}

func (e *NoCommonBase) Error() string {
	return fmt.Sprintf("no_common_base: project %q has no snapshot shared by every target", e.Project)
}

// ResolverError reports a failure resolving the inactive group (spec.md
// §4.2): HTTP failure, wrong content type, or a missing field.
type ResolverError struct {
	Reason string
	Err    error
}

func (e *ResolverError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolver_error: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("resolver_error: %s", e.Reason)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// UsageError reports conflicting flags or missing required arguments
// (spec.md §6).
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage_error: %s", e.Reason)
}
