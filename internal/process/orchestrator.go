// Package process compiles and spawns user programs inside session
// workspaces and stops them again.
package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
)

const (
	defaultShell            = "bash"
	defaultGracePeriod      = 2 * time.Second
	defaultMaxCompileOutput = 64 * 1024
	killWait                = 5 * time.Second
)

// Mode selects which command of a profile is spawned.
type Mode int

const (
	// ModeRun runs the program, falling back to the REPL command.
	ModeRun Mode = iota
	// ModeRepl starts the REPL, falling back to the run command.
	ModeRepl
)

func (m Mode) String() string {
	if m == ModeRepl {
		return "repl"
	}
	return "run"
}

// CommandFor returns the command template p uses in mode, or "" when the
// profile has neither a run nor a REPL command.
func CommandFor(p langs.Profile, mode Mode) string {
	run, repl := strings.TrimSpace(p.Run), strings.TrimSpace(p.Repl)
	if mode == ModeRepl && repl != "" {
		return p.Repl
	}
	if run != "" {
		return p.Run
	}
	if repl != "" {
		return p.Repl
	}
	return ""
}

// Limits are resource limits set on a spawned program before it executes
// and inherited by its children. Zero leaves a limit unset. Processes counts
// against every process of the server's user.
type Limits struct {
	CPUSeconds uint64 `yaml:"cpuSeconds"`
	MemoryMB   uint64 `yaml:"memoryMB"`
	FileSizeMB uint64 `yaml:"fileSizeMB"`
	OpenFiles  uint64 `yaml:"openFiles"`
	Processes  uint64 `yaml:"processes"`
}

func (l Limits) zero() bool {
	return l == Limits{}
}

// Config configures an Orchestrator.
type Config struct {
	// Shell runs templates that need shell syntax. Defaults to bash.
	Shell string `yaml:"shell"`
	// Env is appended to the base environment of every child.
	Env []string `yaml:"env"`
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// MaxCompileOutput caps the captured compiler output in bytes.
	MaxCompileOutput int    `yaml:"maxCompileOutput"`
	Limits           Limits `yaml:"limits"`
}

// CompileResult describes a finished compile step.
type CompileResult struct {
	Skipped   bool
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
}

// Orchestrator turns profiles into running processes.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Orchestrator. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.MaxCompileOutput <= 0 {
		cfg.MaxCompileOutput = defaultMaxCompileOutput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Compile runs the profile's compile command in dir. Profiles without one
// succeed immediately. The compile timeout is taken from ctx.
func (o *Orchestrator) Compile(ctx context.Context, p langs.Profile, dir string) (CompileResult, error) {
	if strings.TrimSpace(p.Compile) == "" {
		return CompileResult{Skipped: true}, nil
	}

	built, err := BuildCommand(p.Compile, varsFor(p, dir), o.cfg.Shell)
	if err != nil {
		return CompileResult{}, apperr.Wrap(err, apperr.ProcessStartError)
	}

	cmd := exec.CommandContext(ctx, built.Argv[0], built.Argv[1:]...)
	if err := o.prepare(cmd, built, dir); err != nil {
		return CompileResult{}, apperr.Wrapf(err, apperr.ProcessStartError, "apply resource limits")
	}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = o.cfg.GracePeriod

	out := &cappedBuffer{max: o.cfg.MaxCompileOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	runErr := cmd.Run()
	res := CompileResult{
		Output:    out.String(),
		Truncated: out.truncated,
		Duration:  time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if cmd.Process != nil {
		// Compilers may leave helpers behind in the group.
		_ = signalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, apperr.Newf(apperr.Timeout, "compile exceeded its time limit").
			WithDetail("output", res.Output)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, apperr.New(apperr.CompileFailure).
				WithDetail("output", res.Output).
				WithDetail("exitCode", res.ExitCode)
		}
		if ctx.Err() != nil {
			return res, apperr.Wrapf(ctx.Err(), apperr.Timeout, "compile interrupted")
		}
		return res, apperr.Wrapf(runErr, apperr.ProcessStartError, "start compiler")
	}
	return res, nil
}

// Start applies the profile's hacks and spawns its run or REPL command in dir
// with stdin, stdout and stderr on fresh pipes.
func (o *Orchestrator) Start(p langs.Profile, dir string, mode Mode) (*Handle, error) {
	tpl := CommandFor(p, mode)
	if tpl == "" {
		return nil, apperr.Newf(apperr.ProcessStartError, "language %s has no run or repl command", p.Key)
	}
	if err := applyHacks(dir, p); err != nil {
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "prepare workspace")
	}

	built, err := BuildCommand(tpl, varsFor(p, dir), o.cfg.Shell)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ProcessStartError)
	}

	cmd := exec.Command(built.Argv[0], built.Argv[1:]...)
	if err := o.prepare(cmd, built, dir); err != nil {
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "apply resource limits")
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "create stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "create stderr pipe")
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, apperr.Wrapf(err, apperr.ProcessStartError, "start %s", built.Argv[0])
	}
	// The child holds its own copies.
	closeAll(stdinR, stdoutW, stderrW)

	h := &Handle{
		Pid:    cmd.Process.Pid,
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go h.wait()

	o.logger.Debug("process started",
		zap.String("language", p.Key),
		zap.String("mode", mode.String()),
		zap.Int("pid", h.Pid),
		zap.Bool("shell", built.Shell))
	return h, nil
}

// Stop terminates the process group of h: SIGTERM, then SIGKILL after the
// grace period. Safe to call repeatedly and concurrently; every call returns
// once the process has been reaped or the kill wait has elapsed.
func (o *Orchestrator) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.CloseStdin()

		select {
		case <-h.done:
		default:
			_ = signalGroup(h.Pid, syscall.SIGTERM)
			select {
			case <-h.done:
			case <-time.After(o.cfg.GracePeriod):
				o.logger.Debug("grace period elapsed, killing process group", zap.Int("pid", h.Pid))
				_ = signalGroup(h.Pid, syscall.SIGKILL)
				select {
				case <-h.done:
				case <-time.After(killWait):
					o.logger.Warn("process did not exit after SIGKILL", zap.Int("pid", h.Pid))
				}
			}
		}
		// Descendants that outlived the leader still hold the output pipes.
		_ = signalGroup(h.Pid, syscall.SIGKILL)
	})
}

func (o *Orchestrator) prepare(cmd *exec.Cmd, built Command, dir string) error {
	cmd.Dir = dir
	if strings.ContainsRune(built.Argv[0], filepath.Separator) && !filepath.IsAbs(built.Argv[0]) {
		cmd.Path = filepath.Join(dir, built.Argv[0])
		cmd.Err = nil
	}
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LANG=C.UTF-8",
		"TERM=dumb",
	}
	env = append(env, o.cfg.Env...)
	cmd.Env = append(env, built.Env...)
	setSysProcAttr(cmd)
	if cmd.Err != nil {
		return nil
	}
	return wrapLimited(cmd, o.cfg.Limits)
}

func varsFor(p langs.Profile, dir string) Vars {
	return Vars{Main: p.Main, Module: p.Module(), Dir: dir}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// cappedBuffer keeps the first max bytes written to it and discards the rest
// while still reporting full writes.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
