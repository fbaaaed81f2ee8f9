package workspace

import (
	"os"
	"path/filepath"
	"testing"

	apperr "polyrun/internal/errors"
	"polyrun/internal/langs"
)

var rubyLike = langs.Profile{
	Key:      "ruby",
	Main:     "main.rb",
	Prefix:   "# begin\n",
	Suffix:   "\nstart_repl\n",
	Template: `puts "Hello, world!"`,
	Run:      "ruby main.rb",
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestCreateWritesWrappedSource(t *testing.T) {
	m := newManager(t)

	dir, err := m.Create("sess-1", rubyLike, "puts 1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if filepath.Dir(dir) != m.Root() {
		t.Errorf("workspace %s not under root %s", dir, m.Root())
	}

	data, err := os.ReadFile(filepath.Join(dir, "main.rb"))
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	want := "# begin\nputs 1\nstart_repl\n"
	if string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the main file, got %d entries", len(entries))
	}
}

func TestCreateEmptyAffixes(t *testing.T) {
	m := newManager(t)
	p := langs.Profile{Key: "python", Main: "main.py", Run: "python3 -u -i main.py"}

	dir, err := m.Create("sess-py", p, "print(1+1)")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "main.py"))
	if string(data) != "print(1+1)" {
		t.Errorf("expected source unchanged, got %q", data)
	}
}

func TestCreateTwiceFails(t *testing.T) {
	m := newManager(t)
	if _, err := m.Create("dup", rubyLike, ""); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := m.Create("dup", rubyLike, "")
	if !apperr.Is(err, apperr.WorkspaceError) {
		t.Fatalf("expected WorkspaceError, got %v", err)
	}
}

func TestCreateRejectsBadSessionID(t *testing.T) {
	m := newManager(t)
	for _, id := range []string{"", "..", "a/b"} {
		if _, err := m.Create(id, rubyLike, ""); !apperr.Is(err, apperr.WorkspaceError) {
			t.Errorf("id %q: expected WorkspaceError, got %v", id, err)
		}
	}
}

func TestWriteTemplate(t *testing.T) {
	m := newManager(t)
	dir, _ := m.Create("tpl", rubyLike, "raise 'boom'")

	if err := m.WriteTemplate(dir, rubyLike); err != nil {
		t.Fatalf("WriteTemplate failed: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "main.rb"))
	want := "# begin\nputs \"Hello, world!\"\nstart_repl\n"
	if string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newManager(t)
	dir, _ := m.Create("gone", rubyLike, "")
	os.MkdirAll(filepath.Join(dir, "nested", "deeper"), 0o755)

	if err := m.Destroy(dir); err != nil {
		t.Fatalf("first Destroy failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected workspace to be removed")
	}
	if err := m.Destroy(dir); err != nil {
		t.Fatalf("second Destroy should be a no-op, got %v", err)
	}
}

func TestDestroyReadOnlyTree(t *testing.T) {
	m := newManager(t)
	dir, _ := m.Create("ro", rubyLike, "")
	locked := filepath.Join(dir, "locked")
	os.Mkdir(locked, 0o755)
	os.WriteFile(filepath.Join(locked, "f"), []byte("x"), 0o644)
	os.Chmod(locked, 0o500)

	if err := m.Destroy(dir); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected workspace to be removed")
	}
}

func TestDestroyRefusesOutsideRoot(t *testing.T) {
	m := newManager(t)
	outside := t.TempDir()

	for _, dir := range []string{outside, m.Root(), filepath.Join(m.Root(), "..")} {
		if err := m.Destroy(dir); !apperr.Is(err, apperr.WorkspaceError) {
			t.Errorf("%s: expected WorkspaceError, got %v", dir, err)
		}
	}
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("directory outside root must survive")
	}
}

func TestPurgeOrphans(t *testing.T) {
	m := newManager(t)
	m.Create("a", rubyLike, "")
	m.Create("b", rubyLike, "")

	n, err := m.PurgeOrphans()
	if err != nil {
		t.Fatalf("PurgeOrphans failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	entries, _ := os.ReadDir(m.Root())
	if len(entries) != 0 {
		t.Errorf("expected empty root, got %d entries", len(entries))
	}
}
