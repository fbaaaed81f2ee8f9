package langs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	apperr "polyrun/internal/errors"
)

func TestDefaultRegistryLoads(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if r.Len() != 33 {
		t.Errorf("expected 33 languages, got %d", r.Len())
	}

	for _, p := range r.Profiles() {
		if p.Compile == "" && p.Run == "" && p.Repl == "" {
			t.Errorf("%s: no executable action", p.Key)
		}
		if p.Main == "" {
			t.Errorf("%s: missing main", p.Key)
		}
	}
}

func TestResolvePython(t *testing.T) {
	r, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	p, err := r.Resolve("python")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Main != "main.py" {
		t.Errorf("expected main.py, got %s", p.Main)
	}
	if p.Run != "python3 -u -i main.py" {
		t.Errorf("unexpected run command %q", p.Run)
	}
	if p.Prefix != "" || p.Suffix != "" {
		t.Error("expected python to have no prefix or suffix")
	}
}

func TestResolveRubySuffix(t *testing.T) {
	r, _ := Default()
	p, err := r.Resolve("ruby")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasPrefix(p.Suffix, "\nrequire 'irb'\n") {
		t.Errorf("unexpected ruby suffix %q", p.Suffix)
	}
	if !strings.HasSuffix(p.Wrap(""), "binding_irb.run(IRB.conf)\n") {
		t.Errorf("wrapped source should end with the IRB start suffix")
	}
}

func TestResolveHaskellHack(t *testing.T) {
	r, _ := Default()
	p, err := r.Resolve("haskell")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !p.HasHack(HackGHCIConfig) {
		t.Error("expected haskell to request the ghci-config hack")
	}
	if p.Module() != "Main" {
		t.Errorf("expected module Main, got %s", p.Module())
	}
}

func TestResolveNotFound(t *testing.T) {
	r, _ := Default()
	_, err := r.Resolve("cobol")
	if !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestKeysSorted(t *testing.T) {
	r, _ := Default()
	keys := r.Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not sorted at %d: %s >= %s", i, keys[i-1], keys[i])
		}
	}
}

func TestLoadRejectsInvalidTables(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", `languages: []`},
		{"not yaml", `languages: [`},
		{"duplicate key", `
languages:
  - {key: sh, main: main.sh, run: sh main.sh}
  - {key: sh, main: main.sh, run: sh main.sh}
`},
		{"no action", `
languages:
  - {key: sh, main: main.sh}
`},
		{"missing key", `
languages:
  - {main: main.sh, run: sh main.sh}
`},
		{"missing main", `
languages:
  - {key: sh, run: sh main.sh}
`},
		{"main with path", `
languages:
  - {key: sh, main: ../main.sh, run: sh main.sh}
`},
		{"unterminated quote", `
languages:
  - {key: sh, main: main.sh, run: "sh -c 'echo"}
`},
		{"unknown hack", `
languages:
  - {key: sh, main: main.sh, run: sh main.sh, hacks: [rewrite-kernel]}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if !apperr.Is(err, apperr.ConfigError) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "langs.yaml")
	data := `
languages:
  - key: sh
    name: POSIX shell
    main: main.sh
    run: sh main.sh
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if _, err := r.Resolve("sh"); err != nil {
		t.Errorf("Resolve failed: %v", err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); !apperr.Is(err, apperr.ConfigError) {
		t.Errorf("expected ConfigError for missing file, got %v", err)
	}
}
