package langs

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	apperr "polyrun/internal/errors"
)

//go:embed langs.yaml
var defaultTable []byte

// Registry maps language keys to profiles.
type Registry struct {
	profiles map[string]Profile
	keys     []string
}

type table struct {
	Languages []Profile `yaml:"languages"`
}

// Default returns the registry built from the embedded language table.
func Default() (*Registry, error) {
	return Load(defaultTable)
}

// LoadFile reads a YAML language table from path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.ConfigError, "read language table %s", path)
	}
	return Load(data)
}

// Load parses and validates a YAML language table.
func Load(data []byte) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, apperr.Wrapf(err, apperr.ConfigError, "parse language table")
	}
	if len(t.Languages) == 0 {
		return nil, apperr.Newf(apperr.ConfigError, "language table is empty")
	}

	r := &Registry{profiles: make(map[string]Profile, len(t.Languages))}
	for i, p := range t.Languages {
		if err := validate(p); err != nil {
			return nil, apperr.Wrapf(err, apperr.ConfigError, "language #%d (%q)", i, p.Key)
		}
		if _, dup := r.profiles[p.Key]; dup {
			return nil, apperr.Newf(apperr.ConfigError, "duplicate language key %q", p.Key)
		}
		r.profiles[p.Key] = p
		r.keys = append(r.keys, p.Key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Resolve returns the profile registered under key.
func (r *Registry) Resolve(key string) (Profile, error) {
	p, ok := r.profiles[key]
	if !ok {
		return Profile{}, apperr.Newf(apperr.NotFound, "language %q not found", key)
	}
	return p, nil
}

// Keys returns all language keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Profiles returns all profiles sorted by key.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.profiles[k])
	}
	return out
}

// Len returns the number of registered languages.
func (r *Registry) Len() int {
	return len(r.keys)
}

func validate(p Profile) error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("key is required")
	}
	if p.Main == "" {
		return fmt.Errorf("main is required")
	}
	if strings.ContainsAny(p.Main, `/\`) || p.Main == "." || p.Main == ".." {
		return fmt.Errorf("main %q must be a plain file name", p.Main)
	}

	actions := 0
	for _, c := range []struct{ stage, tpl string }{
		{"compile", p.Compile},
		{"run", p.Run},
		{"repl", p.Repl},
	} {
		if strings.TrimSpace(c.tpl) == "" {
			continue
		}
		fields, err := shlex.Split(c.tpl)
		if err != nil {
			return fmt.Errorf("%s command: %w", c.stage, err)
		}
		if len(fields) == 0 {
			return fmt.Errorf("%s command is empty", c.stage)
		}
		actions++
	}
	if actions == 0 {
		return fmt.Errorf("at least one of compile, run or repl is required")
	}

	for _, h := range p.Hacks {
		if !KnownHacks[h] {
			return fmt.Errorf("unknown hack %q", h)
		}
	}
	return nil
}
