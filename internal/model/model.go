// Package model holds the data model shared by every jroll engine: the
// project/member/group configuration tree and the per-jail state discovered
// fresh on each run (spec.md §3).
package model

import (
	"fmt"
	"strings"
)

// Member is a single deployment target: one jail on one host.
type Member struct {
	ID string `yaml:"id" valid:"required"`
	DC string `yaml:"dc,omitempty"`

	// Per-member overrides. nil means "inherit from Project"; a set but
	// empty value (an empty copy list, an empty meta path) is used as is.
	Keep *int     `yaml:"keep,omitempty"`
	Copy []string `yaml:"copy,omitempty"`
	Meta *string  `yaml:"meta,omitempty"`
	Halt bool     `yaml:"halt,omitempty"`
}

// UnmarshalYAML accepts either a bare "jail@host" scalar or a mapping with
// per-member overrides and an "id" key, matching the config shape in
// spec.md §3 ("Per-member overrides").
func (m *Member) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		m.ID = scalar
		return nil
	}

	type plain Member
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*m = Member(p)
	return nil
}

// Jail returns the jail name portion of the member id.
func (m Member) Jail() (string, error) {
	jail, _, err := ParseID(m.ID)
	return jail, err
}

// Host returns the host portion of the member id.
func (m Member) Host() (string, error) {
	_, host, err := ParseID(m.ID)
	return host, err
}

// EffectiveKeep resolves this member's retention, falling back to the
// project default.
func (m Member) EffectiveKeep(projectKeep int) int {
	if m.Keep != nil {
		return *m.Keep
	}
	return projectKeep
}

// EffectiveCopy resolves this member's copy list, falling back to the
// project default.
func (m Member) EffectiveCopy(projectCopy []string) []string {
	if m.Copy != nil {
		return m.Copy
	}
	return projectCopy
}

// EffectiveMeta resolves this member's meta path, falling back to the
// project default.
func (m Member) EffectiveMeta(projectMeta string) string {
	if m.Meta != nil {
		return *m.Meta
	}
	return projectMeta
}

// Project is one named deployable service (spec.md §3).
type Project struct {
	Name string `yaml:"-"`

	Super string `yaml:"super" valid:"required"`
	DC    string `yaml:"dc,omitempty"`

	Groups map[string][]Member `yaml:"groups" valid:"required"`

	Inactive string `yaml:"inactive,omitempty"`
	Info     string `yaml:"info,omitempty"`

	Keep int      `yaml:"keep"`
	Clean []string `yaml:"clean,omitempty"`
	Copy  []string `yaml:"copy,omitempty"`
	Meta  string   `yaml:"meta,omitempty"`

	Compress   string `yaml:"compress,omitempty"`
	Decompress string `yaml:"decompress,omitempty"`

	// RandomizeDumpNames appends a random suffix to the dump path to avoid
	// the pid+user+project collision window noted in spec.md §9.
	RandomizeDumpNames bool `yaml:"randomizeDumpNames,omitempty"`
}

// ApplyDefaults fills in the defaults spec.md §3 names for an unset field.
func (p *Project) ApplyDefaults() {
	if p.Keep == 0 {
		p.Keep = 23
	}
	if len(p.Clean) == 0 {
		p.Clean = []string{"/tmp", "/var/log"}
	}
	if len(p.Copy) == 0 {
		p.Copy = []string{"/etc/hosts", "/etc/resolv.conf"}
	}
	if p.Meta == "" {
		p.Meta = "/etc/deploy.meta.yml"
	}
}

// SuperJail returns the jail name portion of Super.
func (p Project) SuperJail() (string, error) {
	jail, _, err := ParseID(p.Super)
	return jail, err
}

// SuperHost returns the host portion of Super.
func (p Project) SuperHost() (string, error) {
	_, host, err := ParseID(p.Super)
	return host, err
}

// Members returns the flat member list for a named group.
func (p Project) Members(group string) ([]Member, bool) {
	members, ok := p.Groups[group]
	return members, ok
}

// OtherGroup returns the sole other group name when the project has exactly
// two groups (spec.md §4.2, restart --active).
func (p Project) OtherGroup(group string) (string, error) {
	if len(p.Groups) != 2 {
		return "", fmt.Errorf("project has %d groups, --active requires exactly 2", len(p.Groups))
	}
	for name := range p.Groups {
		if name != group {
			return name, nil
		}
	}
	return "", fmt.Errorf("group %q not found in project", group)
}

// ParseID splits a "jail@host" identifier into its parts.
func ParseID(id string) (jail, host string, err error) {
	at := strings.IndexByte(id, '@')
	if at <= 0 || at >= len(id)-1 {
		return "", "", fmt.Errorf("invalid id %q: want jail@host", id)
	}
	return id[:at], id[at+1:], nil
}

// JailInfo is the per-(jail,host) state discovered fresh on every run
// (spec.md §3, "not cached across runs").
type JailInfo struct {
	Host     string
	Jail     string
	RootDir  string
	RootFS   string
	IP       string
	Hostname string

	// Snapshots is newest-first.
	Snapshots   []string
	SnapshotSet map[string]struct{}

	Running bool
}

// HasSnapshot reports whether suffix is present on this jail.
func (ji JailInfo) HasSnapshot(suffix string) bool {
	_, ok := ji.SnapshotSet[suffix]
	return ok
}

// ID reconstructs the jail@host identifier for this discovered jail.
func (ji JailInfo) ID() string {
	return ji.Jail + "@" + ji.Host
}
