package process

import (
	"fmt"
	"os"
	"path/filepath"

	"polyrun/internal/langs"
)

// preStartStep prepares a workspace for a language before its run or REPL
// command is spawned.
type preStartStep func(dir string, p langs.Profile) error

var preStartSteps = map[langs.Hack]preStartStep{
	langs.HackGHCIConfig: seedGHCIConfig,
}

func applyHacks(dir string, p langs.Profile) error {
	for _, h := range p.Hacks {
		step, ok := preStartSteps[h]
		if !ok {
			return fmt.Errorf("no pre-start step for hack %q", h)
		}
		if err := step(dir, p); err != nil {
			return fmt.Errorf("hack %s: %w", h, err)
		}
	}
	return nil
}

// seedGHCIConfig writes a .ghci that loads the main module on startup. ghci
// ignores a .ghci that is writable by group or others, hence the explicit
// chmod after the write.
func seedGHCIConfig(dir string, p langs.Profile) error {
	path := filepath.Join(dir, ".ghci")
	if err := os.WriteFile(path, []byte(":load "+p.Module()+"\n"), 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
