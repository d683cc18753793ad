// Package config loads the jroll configuration file: a YAML document with
// a top-level "projects:" mapping (spec.md §6). Unlike the teacher's global
// config singleton, Load returns a plain *Config value with no process-wide
// state (spec.md §9 REDESIGN FLAG) — every engine takes it as a constructor
// argument.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/asaskevich/govalidator"
	"gopkg.in/yaml.v3"

	"github.com/lonerr/jroll/internal/jrollerr"
	"github.com/lonerr/jroll/internal/model"
)

// Config is the parsed, defaulted, validated configuration tree.
type Config struct {
	Projects map[string]*model.Project `yaml:"projects"`
}

var idPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+$`)

// Load reads path, decodes it as YAML, applies per-project defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &jrollerr.ConfigError{Path: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &jrollerr.ConfigError{Path: path, Err: err}
	}

	for name, p := range cfg.Projects {
		p.Name = name
		p.ApplyDefaults()
		if err := validateProject(p); err != nil {
			return nil, &jrollerr.ConfigError{Path: path, Err: fmt.Errorf("project %q: %w", name, err)}
		}
	}

	return &cfg, nil
}

// Project looks up a project by name, or returns a LookupError.
func (c *Config) Project(name string) (*model.Project, error) {
	p, ok := c.Projects[name]
	if !ok {
		return nil, &jrollerr.LookupError{Kind: "project", Name: name}
	}
	return p, nil
}

func validateProject(p *model.Project) error {
	if p.Super == "" {
		return fmt.Errorf("super is required")
	}
	if !idPattern.MatchString(p.Super) {
		return fmt.Errorf("super %q must be formatted jail@host", p.Super)
	}
	if len(p.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}
	if p.Keep < 0 {
		return fmt.Errorf("keep must be >= 0")
	}

	for groupName, members := range p.Groups {
		if len(members) == 0 {
			return fmt.Errorf("group %q has no members", groupName)
		}
		for _, m := range members {
			if !idPattern.MatchString(m.ID) {
				return fmt.Errorf("member %q in group %q must be formatted jail@host", m.ID, groupName)
			}
			if m.Keep != nil && *m.Keep < 0 {
				return fmt.Errorf("member %q: keep must be >= 0", m.ID)
			}
		}
	}

	if ok, err := govalidator.ValidateStruct(p); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("struct validation failed")
	}

	return nil
}
