package session

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
	"polyrun/internal/process"
	"polyrun/internal/workspace"
)

const testLanguages = `
languages:
  - key: echo
    name: Echo
    main: main.txt
    run: cat main.txt
    template: "template text\n"
  - key: cat
    name: Cat
    main: main.txt
    run: cat
  - key: sleeper
    name: Sleeper
    main: main.txt
    run: sleep 30
  - key: copyc
    name: Copy compiler
    main: main.txt
    compile: cp main.txt out.txt
    run: cat out.txt
  - key: failc
    name: Failing compiler
    main: main.txt
    compile: sh -c 'echo bad input >&2; exit 1'
    run: cat main.txt
  - key: slowc
    name: Slow compiler
    main: main.txt
    compile: sleep 10
    run: cat main.txt
  - key: flood
    name: Flood
    main: main.txt
    run: sh -c 'head -c 100000 /dev/zero; sleep 30'
`

type testEnv struct {
	mgr       *Manager
	ws        *workspace.Manager
	teardowns atomic.Int32
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	for _, bin := range []string{"sh", "cat", "sleep", "cp", "head"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	reg, err := langs.Load([]byte(testLanguages))
	if err != nil {
		t.Fatalf("load languages: %v", err)
	}
	return newEnvWithRegistry(t, cfg, reg)
}

func newEnvWithRegistry(t *testing.T, cfg Config, reg *langs.Registry) *testEnv {
	t.Helper()
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	orch := process.New(process.Config{Shell: "sh", GracePeriod: 200 * time.Millisecond}, nil)

	env := &testEnv{ws: ws}
	env.mgr = NewManager(cfg, reg, ws, orch, WithTeardownHook(func(Session) {
		env.teardowns.Add(1)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		env.mgr.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) workspaceCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.ws.Root())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

type transcript struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	exit   *OutputEvent
}

// collect subscribes to a session and gathers events until the exit event
// or until cond reports true on the stdout seen so far.
func collect(t *testing.T, m *Manager, id string, cond func(stdout string) bool) *transcript {
	t.Helper()
	subID, ch, history, err := m.Subscribe(id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer m.Unsubscribe(id, subID)

	tr := &transcript{}
	apply := func(ev OutputEvent) bool {
		switch ev.Type {
		case OutputStdout:
			tr.stdout.Write(ev.Data)
		case OutputStderr:
			tr.stderr.Write(ev.Data)
		case OutputExit:
			ev := ev
			tr.exit = &ev
			return true
		}
		return cond != nil && cond(tr.stdout.String())
	}

	for _, ev := range history {
		if apply(ev) {
			return tr
		}
	}
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return tr
			}
			if apply(ev) {
				return tr
			}
		case <-timeout:
			t.Fatalf("timed out waiting for session output; stdout so far %q", tr.stdout.String())
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartSessionRunsProgram(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "echo", "hello\n", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.State != StateRunning {
		t.Errorf("expected running, got %s", sess.State)
	}

	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.stdout.String() != "hello\n" {
		t.Errorf("unexpected stdout %q", tr.stdout.String())
	}
	if tr.exit == nil || tr.exit.Reason != ReasonExited {
		t.Fatalf("expected exit event with reason exited, got %+v", tr.exit)
	}
	if tr.exit.ExitCode == nil || *tr.exit.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", tr.exit.ExitCode)
	}

	got, err := env.mgr.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateTerminated || got.EndedAt == nil {
		t.Errorf("expected terminated session, got %+v", got)
	}
	if _, err := os.Stat(sess.WorkDir); !os.IsNotExist(err) {
		t.Errorf("expected workspace to be destroyed, stat err = %v", err)
	}
	if n := env.teardowns.Load(); n != 1 {
		t.Errorf("expected one teardown, got %d", n)
	}
}

func TestOutputIsByteExact(t *testing.T) {
	env := newTestEnv(t, Config{})
	source := "a\x00b\xff\xfe\r\nno newline"
	sess, err := env.mgr.StartSession(context.Background(), "echo", source, false)
	if err != nil {
		t.Fatal(err)
	}
	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.stdout.String() != source {
		t.Errorf("expected %q, got %q", source, tr.stdout.String())
	}
}

func TestInteractiveInputRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "cat", "", true)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.mgr.SendInput(sess.ID, []byte("ping\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if err := env.mgr.SendInput(sess.ID, []byte("pong\n")); err != nil {
		t.Fatalf("send input: %v", err)
	}
	if err := env.mgr.CloseInput(sess.ID); err != nil {
		t.Fatalf("close input: %v", err)
	}

	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.stdout.String() != "ping\npong\n" {
		t.Errorf("input order not preserved: %q", tr.stdout.String())
	}
	if tr.exit == nil || tr.exit.Reason != ReasonExited {
		t.Errorf("expected exit after eof, got %+v", tr.exit)
	}

	if err := env.mgr.SendInput(sess.ID, []byte("late")); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("expected SessionNotRunning after exit, got %v", err)
	}
}

func TestCapacityExceededCreatesNoWorkspace(t *testing.T) {
	env := newTestEnv(t, Config{MaxSessions: 2})
	ctx := context.Background()
	first, err := env.mgr.StartSession(ctx, "sleeper", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.mgr.StartSession(ctx, "sleeper", "", false); err != nil {
		t.Fatal(err)
	}

	_, err = env.mgr.StartSession(ctx, "sleeper", "", false)
	if !apperr.Is(err, apperr.CapacityExceeded) {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if n := env.workspaceCount(t); n != 2 {
		t.Errorf("expected 2 workspaces, got %d", n)
	}

	// Stopping one frees a slot.
	if err := env.mgr.StopSession(first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.mgr.StartSession(ctx, "sleeper", "", false); err != nil {
		t.Errorf("expected a free slot after stop, got %v", err)
	}
}

func TestCompileFailureDestroysWorkspaceOnce(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.mgr.StartSession(context.Background(), "failc", "x", false)
	if !apperr.Is(err, apperr.CompileFailure) {
		t.Fatalf("expected CompileFailure, got %v", err)
	}
	if out, _ := apperr.GetError(err).Details["output"].(string); !strings.Contains(out, "bad input") {
		t.Errorf("expected compiler output in error, got %q", out)
	}
	if n := env.workspaceCount(t); n != 0 {
		t.Errorf("expected no workspaces, got %d", n)
	}
	if n := env.teardowns.Load(); n != 1 {
		t.Errorf("expected one teardown, got %d", n)
	}
	if live := env.mgr.List(); len(live) != 0 {
		t.Errorf("expected no live sessions, got %d", len(live))
	}

	hist, err := env.mgr.History(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Reason != ReasonCompileFailed || hist[0].State != StateTerminated {
		t.Errorf("expected one compile_failed record, got %+v", hist)
	}
	// Stopping a failed session is a no-op.
	if err := env.mgr.StopSession(hist[0].ID); err != nil {
		t.Errorf("expected nil stopping a failed session, got %v", err)
	}
}

func TestCompileThenRun(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "copyc", "compiled\n", false)
	if err != nil {
		t.Fatal(err)
	}
	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.stdout.String() != "compiled\n" {
		t.Errorf("unexpected stdout %q", tr.stdout.String())
	}
}

func TestCompileTimeout(t *testing.T) {
	env := newTestEnv(t, Config{CompileTimeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := env.mgr.StartSession(context.Background(), "slowc", "", false)
	if !apperr.Is(err, apperr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("compile was not cut short")
	}
	hist, _ := env.mgr.History(context.Background(), 1)
	if len(hist) != 1 || hist[0].Reason != ReasonCompileTimeout {
		t.Errorf("expected compile_timeout record, got %+v", hist)
	}
	if n := env.workspaceCount(t); n != 0 {
		t.Errorf("expected no workspaces, got %d", n)
	}
}

func TestDoubleStopIsNoop(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "", false)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- env.mgr.StopSession(sess.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("stop returned %v", err)
		}
	}
	if err := env.mgr.StopSession(sess.ID); err != nil {
		t.Errorf("late stop returned %v", err)
	}

	if n := env.teardowns.Load(); n != 1 {
		t.Errorf("expected one teardown, got %d", n)
	}
	got, _ := env.mgr.Get(sess.ID)
	if got.State != StateTerminated || got.Reason != ReasonStopped {
		t.Errorf("expected stopped session, got %+v", got)
	}
	if _, err := os.Stat(sess.WorkDir); !os.IsNotExist(err) {
		t.Errorf("expected workspace to be destroyed, stat err = %v", err)
	}
}

func TestStopUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.mgr.StopSession("nope"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSendInputErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	if err := env.mgr.SendInput("nope", []byte("x")); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "", false)
	if err != nil {
		t.Fatal(err)
	}
	env.mgr.StopSession(sess.ID)
	if err := env.mgr.SendInput(sess.ID, []byte("x")); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("expected SessionNotRunning, got %v", err)
	}
}

func TestInputBeforeRunningIsRejected(t *testing.T) {
	env := newTestEnv(t, Config{CompileTimeout: 20 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := env.mgr.StartSession(context.Background(), "slowc", "", false)
		errCh <- err
	}()

	var id string
	waitFor(t, "compiling session", func() bool {
		for _, s := range env.mgr.List() {
			if s.State == StateCompiling {
				id = s.ID
				return true
			}
		}
		return false
	})

	if err := env.mgr.SendInput(id, []byte("early")); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("SendInput while compiling: expected SessionNotRunning, got %v", err)
	}
	if err := env.mgr.CloseInput(id); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("CloseInput while compiling: expected SessionNotRunning, got %v", err)
	}

	if err := env.mgr.StopSession(id); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("StartSession succeeded after stop during compile")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("StartSession did not return after stop")
	}
	sess, err := env.mgr.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != StateTerminated || sess.Reason != ReasonStopped {
		t.Errorf("state=%s reason=%s, want terminated/stopped", sess.State, sess.Reason)
	}
}

func TestInputQueueFull(t *testing.T) {
	env := newTestEnv(t, Config{InputQueue: 2})
	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "", true)
	if err != nil {
		t.Fatal(err)
	}

	// sleep never reads stdin, so the writer blocks once the pipe is full.
	big := bytes.Repeat([]byte("x"), 128*1024)
	var full bool
	for i := 0; i < 10 && !full; i++ {
		err := env.mgr.SendInput(sess.ID, big)
		switch {
		case apperr.Is(err, apperr.InputQueueFull):
			full = true
		case err != nil:
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !full {
		t.Error("expected InputQueueFull")
	}
}

func TestOutputLimitTerminates(t *testing.T) {
	env := newTestEnv(t, Config{MaxOutputBytes: 1000})
	sess, err := env.mgr.StartSession(context.Background(), "flood", "", false)
	if err != nil {
		t.Fatal(err)
	}
	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.exit == nil || tr.exit.Reason != ReasonResourceLimit {
		t.Fatalf("expected resource_limit, got %+v", tr.exit)
	}
	if n := tr.stdout.Len(); n > 1000 {
		t.Errorf("relayed %d bytes past the limit", n)
	}
}

func TestIdleTimeout(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: 200 * time.Millisecond})
	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "", false)
	if err != nil {
		t.Fatal(err)
	}
	tr := collect(t, env.mgr, sess.ID, nil)
	if tr.exit == nil || tr.exit.Reason != ReasonIdleTimeout {
		t.Errorf("expected idle_timeout, got %+v", tr.exit)
	}
}

func TestOnDisconnect(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "", true)
	if err != nil {
		t.Fatal(err)
	}
	env.mgr.OnDisconnect(sess.ID)
	got, _ := env.mgr.Get(sess.ID)
	if got.Reason != ReasonDisconnected {
		t.Errorf("expected disconnected, got %s", got.Reason)
	}
	// Unknown ids are ignored.
	env.mgr.OnDisconnect("nope")
}

func TestSubscribersReceiveSameStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "cat", "", true)
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tr := collect(t, env.mgr, sess.ID, nil)
			results <- tr.stdout.String()
		}()
	}
	// Both subscribe before or after the input; replay makes no difference.
	env.mgr.SendInput(sess.ID, []byte("shared\n"))
	env.mgr.CloseInput(sess.ID)

	for i := 0; i < 2; i++ {
		if got := <-results; got != "shared\n" {
			t.Errorf("subscriber %d got %q", i, got)
		}
	}
}

func TestResetTemplate(t *testing.T) {
	env := newTestEnv(t, Config{})
	sess, err := env.mgr.StartSession(context.Background(), "sleeper", "user code", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.mgr.ResetTemplate(sess.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sess.WorkDir, "main.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "" {
		t.Errorf("expected empty template for sleeper, got %q", data)
	}

	env.mgr.StopSession(sess.ID)
	if err := env.mgr.ResetTemplate(sess.ID); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("expected SessionNotRunning after stop, got %v", err)
	}
}

func TestReaperKeepsHistory(t *testing.T) {
	env := newTestEnv(t, Config{Retention: 50 * time.Millisecond})
	sess, err := env.mgr.StartSession(context.Background(), "echo", "bye", false)
	if err != nil {
		t.Fatal(err)
	}
	collect(t, env.mgr, sess.ID, nil)

	waitFor(t, "reaper", func() bool { return len(env.mgr.List()) == 0 })

	got, err := env.mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("expected history record, got %v", err)
	}
	if got.Reason != ReasonExited || got.State != StateTerminated {
		t.Errorf("unexpected history record %+v", got)
	}
	if err := env.mgr.StopSession(sess.ID); err != nil {
		t.Errorf("expected stop on reaped session to be a no-op, got %v", err)
	}
	if err := env.mgr.SendInput(sess.ID, []byte("x")); !apperr.Is(err, apperr.SessionNotRunning) {
		t.Errorf("expected SessionNotRunning, got %v", err)
	}
}

func TestShutdownStopsSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	a, _ := env.mgr.StartSession(ctx, "sleeper", "", false)
	b, _ := env.mgr.StartSession(ctx, "sleeper", "", false)

	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := env.mgr.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, _ := env.mgr.Get(id)
		if got.Reason != ReasonShutdown {
			t.Errorf("session %s: expected shutdown, got %s", id, got.Reason)
		}
	}
	if n := env.workspaceCount(t); n != 0 {
		t.Errorf("expected no workspaces after shutdown, got %d", n)
	}
	if _, err := env.mgr.StartSession(ctx, "echo", "", false); !apperr.Is(err, apperr.CapacityExceeded) {
		t.Errorf("expected start after shutdown to fail, got %v", err)
	}
}

func TestUnknownLanguage(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.mgr.StartSession(context.Background(), "cobol", "", false)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if n := env.workspaceCount(t); n != 0 {
		t.Errorf("expected no workspaces, got %d", n)
	}
}

func TestPythonScenario(t *testing.T) {
	reg, err := langs.Default()
	if err != nil {
		t.Fatal(err)
	}
	profile, err := reg.Resolve("python")
	if err != nil {
		t.Fatal(err)
	}
	tpl := process.CommandFor(profile, process.ModeRun)
	if tpl != "python3 -u -i main.py" {
		t.Fatalf("python run command = %q", tpl)
	}
	built, err := process.BuildCommand(tpl, process.Vars{Main: profile.Main, Module: profile.Module(), Dir: t.TempDir()}, "sh")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(built.Argv, " "); got != "python3 -u -i main.py" || built.Shell {
		t.Fatalf("python argv = %q (shell=%v)", got, built.Shell)
	}

	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	env := newEnvWithRegistry(t, Config{}, reg)

	sess, err := env.mgr.StartSession(context.Background(), "python", "print(1+1)", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sess.WorkDir, "main.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "print(1+1)" {
		t.Errorf("unexpected main file %q", data)
	}

	tr := collect(t, env.mgr, sess.ID, func(stdout string) bool {
		return strings.Contains(stdout, "2\n")
	})
	if !strings.HasPrefix(tr.stdout.String(), "2\n") {
		t.Errorf("expected 2 on stdout, got %q", tr.stdout.String())
	}
	if err := env.mgr.StopSession(sess.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRubyInteractiveScenario(t *testing.T) {
	if _, err := exec.LookPath("ruby"); err != nil {
		t.Skip("ruby not available")
	}
	reg, err := langs.Default()
	if err != nil {
		t.Fatal(err)
	}
	profile, _ := reg.Resolve("ruby")
	env := newEnvWithRegistry(t, Config{}, reg)

	sess, err := env.mgr.StartSession(context.Background(), "ruby", "", true)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(sess.WorkDir, "main.rb"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), profile.Suffix) {
		t.Errorf("main file does not end with the IRB suffix: %q", data)
	}

	time.Sleep(500 * time.Millisecond)
	got, _ := env.mgr.Get(sess.ID)
	if got.State != StateRunning {
		t.Fatalf("expected REPL to keep running, got %s (%s)", got.State, got.Message)
	}

	env.mgr.OnDisconnect(sess.ID)
	got, _ = env.mgr.Get(sess.ID)
	if got.State != StateTerminated || got.Reason != ReasonDisconnected {
		t.Errorf("expected disconnected, got %+v", got)
	}
}
