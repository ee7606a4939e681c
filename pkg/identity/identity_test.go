package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bastille-sh/bastille/pkg/types"
)

func TestMapping_Remap(t *testing.T) {
	m := PlatformMapping()

	tests := []struct {
		name string
		uid  int
		want int
	}{
		{"root", 0, types.SubordinateRangeStart},
		{"standard identity", types.StandardContainerUID, types.SubordinateRangeStart + types.StandardContainerUID},
		{"arbitrary", 4242, types.SubordinateRangeStart + 4242},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Remap(tt.uid); got != tt.want {
				t.Errorf("Remap(%d) = %d, want %d", tt.uid, got, tt.want)
			}
			// Stable across repeated computation
			if got := m.Remap(tt.uid); got != tt.want {
				t.Errorf("Remap(%d) second call = %d, want %d", tt.uid, got, tt.want)
			}
		})
	}
}

func TestMapping_Contains(t *testing.T) {
	m := PlatformMapping()

	if !m.Contains(0) {
		t.Error("Contains(0) = false, want true")
	}
	if !m.Contains(types.SubordinateRangeSize - 1) {
		t.Error("Contains(last) = false, want true")
	}
	if m.Contains(types.SubordinateRangeSize) {
		t.Error("Contains(size) = true, want false")
	}
	if m.Contains(-1) {
		t.Error("Contains(-1) = true, want false")
	}
}

func TestMapping_Overlaps(t *testing.T) {
	base := Mapping{Account: "a", RangeStart: 1000, RangeSize: 100}

	tests := []struct {
		name  string
		other Mapping
		want  bool
	}{
		{"identical", Mapping{RangeStart: 1000, RangeSize: 100}, true},
		{"inside", Mapping{RangeStart: 1050, RangeSize: 10}, true},
		{"straddles start", Mapping{RangeStart: 950, RangeSize: 100}, true},
		{"adjacent below", Mapping{RangeStart: 900, RangeSize: 100}, false},
		{"adjacent above", Mapping{RangeStart: 1100, RangeSize: 100}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Overlaps(tt.other); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestAllocator(t *testing.T, accountExists bool) (*Allocator, string, *[]string) {
	t.Helper()
	etcDir := t.TempDir()

	var commands []string
	exists := accountExists
	a := NewAllocator(
		WithEtcDir(etcDir),
		WithCommandRunner(func(name string, args ...string) error {
			commands = append(commands, name)
			if name == "useradd" {
				exists = true
			}
			return nil
		}),
		WithAccountLookup(func(string) bool { return exists }),
	)
	return a, etcDir, &commands
}

func TestAllocator_Apply_FreshHost(t *testing.T) {
	a, etcDir, commands := newTestAllocator(t, false)

	changes, err := a.Apply("host-1")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// account + subuid + subgid
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3", len(changes))
	}

	if len(*commands) != 1 || (*commands)[0] != "useradd" {
		t.Errorf("commands = %v, want [useradd]", *commands)
	}

	for _, file := range []string{"subuid", "subgid"} {
		data, err := os.ReadFile(filepath.Join(etcDir, file))
		if err != nil {
			t.Fatalf("reading %s: %v", file, err)
		}
		want := "bastille-remap:1314000:65536\n"
		if string(data) != want {
			t.Errorf("%s = %q, want %q", file, data, want)
		}
	}
}

func TestAllocator_Apply_Idempotent(t *testing.T) {
	a, etcDir, _ := newTestAllocator(t, false)

	if _, err := a.Apply("host-1"); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	before, _ := os.ReadFile(filepath.Join(etcDir, "subuid"))

	changes, err := a.Apply("host-1")
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("second Apply() changes = %v, want none", changes)
	}

	after, _ := os.ReadFile(filepath.Join(etcDir, "subuid"))
	if string(before) != string(after) {
		t.Error("second Apply() mutated the registry")
	}
}

func TestAllocator_Apply_ReportsAppliedPrefixOnFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("read-only directory does not block writes when running as root")
	}

	a, etcDir, commands := newTestAllocator(t, false)

	// Registry writes fail once the directory is read-only; account
	// creation goes through the injected runner and still succeeds.
	if err := os.Chmod(etcDir, 0555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(etcDir, 0755) })

	changes, err := a.Apply("host-1")
	if err == nil {
		t.Fatal("Apply() expected error")
	}
	if len(*commands) != 1 {
		t.Fatalf("commands = %v, want one useradd", *commands)
	}
	if len(changes) != 1 || changes[0].Action != "create-account" {
		t.Errorf("applied prefix = %v, want the create-account change only", changes)
	}
}

func TestAllocator_Validate_ForeignOverlap(t *testing.T) {
	a, etcDir, _ := newTestAllocator(t, false)

	// Another remap account already claims an overlapping range.
	reg := "dockremap:1310000:65536\n"
	if err := os.WriteFile(filepath.Join(etcDir, "subuid"), []byte(reg), 0644); err != nil {
		t.Fatal(err)
	}

	err := a.Validate("host-1")
	var conflict *RangeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Validate() error = %v, want RangeConflictError", err)
	}
	if conflict.Account != "dockremap" {
		t.Errorf("conflict.Account = %q, want dockremap", conflict.Account)
	}
}

func TestAllocator_Validate_DriftedRange(t *testing.T) {
	a, etcDir, _ := newTestAllocator(t, true)

	// Our account registered with the wrong start: must be surfaced,
	// never silently rewritten.
	reg := "bastille-remap:2000000:65536\n"
	for _, file := range []string{"subuid", "subgid"} {
		if err := os.WriteFile(filepath.Join(etcDir, file), []byte(reg), 0644); err != nil {
			t.Fatal(err)
		}
	}

	err := a.Validate("host-1")
	var conflict *RangeConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Validate() error = %v, want RangeConflictError", err)
	}
	if conflict.Observed.RangeStart != 2000000 {
		t.Errorf("Observed.RangeStart = %d, want 2000000", conflict.Observed.RangeStart)
	}

	// And Apply must refuse too.
	if _, err := a.Apply("host-1"); err == nil {
		t.Error("Apply() on conflicted host should fail")
	}
}

func TestAllocator_Validate_NonOverlappingForeign(t *testing.T) {
	a, etcDir, _ := newTestAllocator(t, false)

	// A foreign account below our range is fine.
	reg := "lxd:100000:65536\n"
	if err := os.WriteFile(filepath.Join(etcDir, "subuid"), []byte(reg), 0644); err != nil {
		t.Fatal(err)
	}

	if err := a.Validate("host-1"); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestAllocator_Apply_PreservesForeignEntries(t *testing.T) {
	a, etcDir, _ := newTestAllocator(t, false)

	reg := "lxd:100000:65536\n"
	if err := os.WriteFile(filepath.Join(etcDir, "subuid"), []byte(reg), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Apply("host-1"); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(etcDir, "subuid"))
	want := "lxd:100000:65536\nbastille-remap:1314000:65536\n"
	if string(data) != want {
		t.Errorf("subuid = %q, want %q", data, want)
	}
}
