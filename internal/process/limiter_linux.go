//go:build linux

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// limitsEnv carries the encoded limits to a re-executed limiter.
const limitsEnv = "POLYRUN_RLIMITS"

// limiterPath is the executable that applies limits before exec. Empty
// until InitLimiter has run in this process.
var limiterPath string

// InitLimiter must be the first call in main (or TestMain) of any binary
// whose orchestrators apply resource limits. In a re-executed limiter it sets
// the limits and replaces itself with the target program, so it never
// returns. Otherwise it registers the running executable as the limiter.
func InitLimiter() {
	if encoded, ok := os.LookupEnv(limitsEnv); ok {
		err := execLimited(encoded, os.Args[1:])
		fmt.Fprintf(os.Stderr, "polyrun limiter: %v\n", err)
		os.Exit(126)
	}
	if exe, err := os.Executable(); err == nil {
		limiterPath = exe
	}
}

// wrapLimited rewrites cmd to start through the limiter. The limits then hold
// from the first instruction of the program and are inherited by everything
// it forks.
func wrapLimited(cmd *exec.Cmd, l Limits) error {
	if l.zero() {
		return nil
	}
	if limiterPath == "" {
		return fmt.Errorf("resource limits configured but the limiter is not initialized")
	}
	cmd.Args = append([]string{limiterPath, cmd.Path}, cmd.Args...)
	cmd.Path = limiterPath
	cmd.Env = append(cmd.Env, limitsEnv+"="+l.encode())
	return nil
}

// execLimited expects args as [path, argv0, argv1...].
func execLimited(encoded string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("missing target command")
	}
	l, err := decodeLimits(encoded)
	if err != nil {
		return err
	}
	if err := setLimits(l); err != nil {
		return err
	}

	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, limitsEnv+"=") {
			env = append(env, kv)
		}
	}
	if err := syscall.Exec(args[0], args[1:], env); err != nil {
		return fmt.Errorf("exec %s: %w", args[1], err)
	}
	return nil
}

// setLimits goes through syscall.Setrlimit so the runtime does not restore
// its saved RLIMIT_NOFILE on exec. Address space is set last.
func setLimits(l Limits) error {
	const mb = 1 << 20
	set := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, l.CPUSeconds},
		{"fsize", unix.RLIMIT_FSIZE, l.FileSizeMB * mb},
		{"nofile", unix.RLIMIT_NOFILE, l.OpenFiles},
		{"nproc", unix.RLIMIT_NPROC, l.Processes},
		{"as", unix.RLIMIT_AS, l.MemoryMB * mb},
	}
	for _, s := range set {
		if s.value == 0 {
			continue
		}
		lim := syscall.Rlimit{Cur: s.value, Max: s.value}
		if err := syscall.Setrlimit(s.resource, &lim); err != nil {
			return fmt.Errorf("set rlimit %s: %w", s.name, err)
		}
	}
	return nil
}

func (l Limits) encode() string {
	vals := []uint64{l.CPUSeconds, l.MemoryMB, l.FileSizeMB, l.OpenFiles, l.Processes}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ",")
}

func decodeLimits(s string) (Limits, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 5 {
		return Limits{}, fmt.Errorf("malformed limits %q", s)
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Limits{}, fmt.Errorf("malformed limits %q: %w", s, err)
		}
		vals[i] = v
	}
	return Limits{
		CPUSeconds: vals[0],
		MemoryMB:   vals[1],
		FileSizeMB: vals[2],
		OpenFiles:  vals[3],
		Processes:  vals[4],
	}, nil
}
