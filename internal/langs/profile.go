// Package langs holds the read-only language registry: one execution profile
// per supported language, loaded once from YAML and never mutated.
package langs

import (
	"path/filepath"
	"strings"
)

// Hack names a special pre-start step a language needs before its run or
// REPL command is spawned.
type Hack string

const (
	// HackGHCIConfig seeds a .ghci file that loads the main module.
	HackGHCIConfig Hack = "ghci-config"
)

// KnownHacks is the set of hacks a profile may request.
var KnownHacks = map[Hack]bool{
	HackGHCIConfig: true,
}

// Profile is the execution profile of one language.
type Profile struct {
	Key        string `yaml:"key" json:"key"`
	Name       string `yaml:"name" json:"name"`
	MonacoLang string `yaml:"monacoLang" json:"monacoLang"`
	Main       string `yaml:"main" json:"main"`
	Prefix     string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Suffix     string `yaml:"suffix,omitempty" json:"suffix,omitempty"`
	Template   string `yaml:"template,omitempty" json:"template,omitempty"`
	Compile    string `yaml:"compile,omitempty" json:"compile,omitempty"`
	Run        string `yaml:"run,omitempty" json:"run,omitempty"`
	Repl       string `yaml:"repl,omitempty" json:"repl,omitempty"`
	Hacks      []Hack `yaml:"hacks,omitempty" json:"hacks,omitempty"`
}

// Wrap returns source with the profile's prefix and suffix applied.
func (p Profile) Wrap(source string) string {
	return p.Prefix + source + p.Suffix
}

// Module returns the main file name without its extension.
func (p Profile) Module() string {
	return strings.TrimSuffix(p.Main, filepath.Ext(p.Main))
}

// HasHack reports whether the profile requests h.
func (p Profile) HasHack(h Hack) bool {
	for _, have := range p.Hacks {
		if have == h {
			return true
		}
	}
	return false
}
