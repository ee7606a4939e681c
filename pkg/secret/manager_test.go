package secret

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bastille-sh/bastille/pkg/types"
)

func TestGenerate_Opaque(t *testing.T) {
	content, err := Generate(types.SecretTypeOpaque)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(content) != OpaqueLength {
		t.Errorf("len(content) = %d, want %d", len(content), OpaqueLength)
	}

	other, _ := Generate(types.SecretTypeOpaque)
	if bytes.Equal(content, other) {
		t.Error("two generated secrets are identical")
	}
}

func TestGenerate_Password(t *testing.T) {
	for i := 0; i < 20; i++ {
		content, err := Generate(types.SecretTypePassword)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if len(content) != PasswordLength {
			t.Errorf("len(content) = %d, want %d", len(content), PasswordLength)
		}
		if !satisfiesPolicy(content) {
			t.Errorf("generated password %q does not satisfy policy", content)
		}
	}
}

func TestGenerate_UnknownType(t *testing.T) {
	if _, err := Generate(types.SecretType("hologram")); err == nil {
		t.Error("Generate() with unknown type should return error")
	}
}

// newTestManager gives the manager a compliant secrets directory and a
// fake ownership view so tests need no privileges.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "secrets")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	owners := map[string][2]int{dir: {0, 0}}
	m := NewManager(dir,
		WithChown(func(path string, uid, gid int) error {
			owners[path] = [2]int{uid, gid}
			return nil
		}),
		WithOwnerLookup(func(path string) (int, int, error) {
			o := owners[path]
			return o[0], o[1], nil
		}),
	)
	return m, dir
}

func TestManager_Apply_GeneratesMissing(t *testing.T) {
	m, _ := newTestManager(t)

	requests := []*Request{
		{Name: "db_password", Type: types.SecretTypePassword, UID: 1315337, GID: 1315337},
	}

	changes, err := m.Apply("host-1", requests)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1", len(changes))
	}

	data, err := os.ReadFile(m.Path("db_password"))
	if err != nil {
		t.Fatalf("secret file missing: %v", err)
	}
	if len(data) != PasswordLength {
		t.Errorf("len(content) = %d, want %d", len(data), PasswordLength)
	}

	info, _ := os.Stat(m.Path("db_password"))
	if info.Mode().Perm() != 0400 {
		t.Errorf("mode = %04o, want 0400", info.Mode().Perm())
	}
}

func TestManager_Apply_NeverOverwrites(t *testing.T) {
	m, _ := newTestManager(t)

	requests := []*Request{{Name: "db_password", Type: types.SecretTypeOpaque}}
	if _, err := m.Apply("host-1", requests); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	before, _ := os.ReadFile(m.Path("db_password"))

	changes, err := m.Apply("host-1", requests)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("second Apply() changes = %v, want none", changes)
	}

	after, _ := os.ReadFile(m.Path("db_password"))
	if !bytes.Equal(before, after) {
		t.Error("secret content changed on second pass")
	}
}

func TestManager_Apply_InsecureDirectory(t *testing.T) {
	m, dir := newTestManager(t)

	// World-readable secrets directory fails the write precondition.
	if err := os.Chmod(dir, 0755); err != nil {
		t.Fatal(err)
	}

	_, err := m.Apply("host-1", []*Request{{Name: "tok", Type: types.SecretTypeOpaque}})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Apply() error = %v, want WriteError", err)
	}

	if _, statErr := os.Stat(m.Path("tok")); !os.IsNotExist(statErr) {
		t.Error("secret was written into an insecure directory")
	}
}

func TestManager_Plan_RejectsTraversalNames(t *testing.T) {
	m, dir := newTestManager(t)

	for _, name := range []string{"../loose-secret", "a/b", `a\b`, ".", "..", ""} {
		_, err := m.Plan("host-1", []*Request{{Name: name, Type: types.SecretTypeOpaque}})
		var writeErr *WriteError
		if !errors.As(err, &writeErr) {
			t.Errorf("Plan(%q) error = %v, want WriteError", name, err)
		}
	}

	// The rejection happens before any write: Apply on the same name
	// must not leave anything next to the secrets directory.
	_, err := m.Apply("host-1", []*Request{{Name: "../loose-secret", Type: types.SecretTypeOpaque}})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Apply() error = %v, want WriteError", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "loose-secret")); !os.IsNotExist(statErr) {
		t.Error("secret escaped the secrets subtree")
	}
}

func TestManager_Apply_UnexpectedDirOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}

	m := NewManager(dir,
		WithChown(func(string, int, int) error { return nil }),
		WithOwnerLookup(func(string) (int, int, error) { return 1000, 1000, nil }),
	)

	_, err := m.Apply("host-1", []*Request{{Name: "tok", Type: types.SecretTypeOpaque}})
	var writeErr *WriteError
	if !errors.As(err, &writeErr) {
		t.Fatalf("Apply() error = %v, want WriteError", err)
	}
}

func TestManager_Apply_ReportsAppliedPrefixOnFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	m := NewManager(dir,
		WithChown(func(path string, uid, gid int) error {
			if filepath.Base(path) == "b-token" {
				return errors.New("chown not permitted")
			}
			return nil
		}),
		WithOwnerLookup(func(string) (int, int, error) { return 0, 0, nil }),
	)

	requests := []*Request{
		{Name: "a-token", Type: types.SecretTypeOpaque},
		{Name: "b-token", Type: types.SecretTypeOpaque},
	}
	changes, err := m.Apply("host-1", requests)
	if err == nil {
		t.Fatal("Apply() expected error")
	}
	if len(changes) != 1 || changes[0].Target != "a-token" {
		t.Errorf("applied prefix = %v, want a-token only", changes)
	}
	if _, statErr := os.Stat(m.Path("a-token")); statErr != nil {
		t.Errorf("a-token missing after partial apply: %v", statErr)
	}
}

func TestManager_Fingerprint(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Apply("host-1", []*Request{{Name: "tok", Type: types.SecretTypeOpaque}}); err != nil {
		t.Fatal(err)
	}

	fp1, err := m.Fingerprint("tok")
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, _ := m.Fingerprint("tok")
	if fp1 != fp2 {
		t.Error("fingerprint unstable for unchanged content")
	}

	// Out-of-band rotation changes the fingerprint.
	if err := os.WriteFile(m.Path("tok"), []byte("rotated-by-operator"), 0400); err != nil {
		t.Fatal(err)
	}
	fp3, _ := m.Fingerprint("tok")
	if fp3 == fp1 {
		t.Error("fingerprint did not change after rotation")
	}
}

func TestManager_Drift(t *testing.T) {
	m, _ := newTestManager(t)

	requests := []*Request{
		{Name: "tok", Type: types.SecretTypeOpaque, UID: 1315337, GID: 1315337},
	}
	if _, err := m.Apply("host-1", requests); err != nil {
		t.Fatal(err)
	}

	if drift := m.Drift(requests); len(drift) != 0 {
		t.Fatalf("Drift() on a fresh secret = %v, want none", drift)
	}

	// Loosened permission bits are reported, not corrected.
	if err := os.Chmod(m.Path("tok"), 0644); err != nil {
		t.Fatal(err)
	}
	drift := m.Drift(requests)
	if len(drift) != 1 {
		t.Fatalf("Drift() after chmod = %v, want one report", drift)
	}
	info, _ := os.Stat(m.Path("tok"))
	if info.Mode().Perm() != 0644 {
		t.Errorf("mode = %04o, Drift must not re-permission", info.Mode().Perm())
	}

	// An ownership mismatch is a second, independent report.
	wrongOwner := []*Request{
		{Name: "tok", Type: types.SecretTypeOpaque, UID: 1316000, GID: 1316000},
	}
	if drift := m.Drift(wrongOwner); len(drift) != 2 {
		t.Errorf("Drift() with mismatched owner = %v, want mode and owner reports", drift)
	}

	// Absent secrets are generation work, not drift.
	missing := []*Request{{Name: "ghost", Type: types.SecretTypeOpaque}}
	if drift := m.Drift(missing); len(drift) != 0 {
		t.Errorf("Drift() on absent secret = %v, want none", drift)
	}
}

func TestManager_Apply_NoTempLeftover(t *testing.T) {
	m, dir := newTestManager(t)

	if _, err := m.Apply("host-1", []*Request{{Name: "tok", Type: types.SecretTypeOpaque}}); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if entry.Name() != "tok" {
			t.Errorf("unexpected leftover file %s", entry.Name())
		}
	}
}
