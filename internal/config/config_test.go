package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonerr/jroll/internal/jrollerr"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "jroll.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: web@super1
    dc: dc1
    inactive: green
    groups:
      blue:
        - web@host1
        - web@host2
      green:
        - web@host3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	p, err := cfg.Project("webapp")
	require.NoError(t, err)
	assert.Equal(t, "webapp", p.Name)
	assert.Equal(t, 23, p.Keep) // default applied
	assert.Equal(t, []string{"/tmp", "/var/log"}, p.Clean)
	assert.Len(t, p.Groups["blue"], 2)
}

func TestLoadMissingFileReturnsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/path/jroll.yml")
	require.Error(t, err)
	var cfgErr *jrollerr.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadRejectsMissingSuper(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    groups:
      blue:
        - web@host1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadSuperFormat(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: not-a-valid-id
    groups:
      blue:
        - web@host1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyGroups(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: web@super1
    groups: {}
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeKeep(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: web@super1
    keep: -1
    groups:
      blue:
        - web@host1
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadMemberIDFormat(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: web@super1
    groups:
      blue:
        - not-valid
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestProjectLookupUnknownReturnsLookupError(t *testing.T) {
	path := writeConfig(t, `
projects:
  webapp:
    super: web@super1
    groups:
      blue:
        - web@host1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.Project("does-not-exist")
	require.Error(t, err)
	var lookupErr *jrollerr.LookupError
	assert.ErrorAs(t, err, &lookupErr)
}
