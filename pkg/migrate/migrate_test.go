package migrate

import (
	"archive/tar"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastille-sh/bastille/pkg/engine"
	"github.com/bastille-sh/bastille/pkg/state"
	"github.com/bastille-sh/bastille/pkg/types"
)

func remap(uid int) int {
	return types.SubordinateRangeStart + uid
}

// fileOwners simulates per-path numeric ownership without root.
type fileOwners struct {
	mu sync.Mutex
	m  map[string][2]int
}

func newFileOwners() *fileOwners {
	return &fileOwners{m: make(map[string][2]int)}
}

func (o *fileOwners) set(path string, uid, gid int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[path] = [2]int{uid, gid}
}

func (o *fileOwners) lookup(path string, _ fs.FileInfo) (int, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	owner := o.m[path]
	return owner[0], owner[1], nil
}

func (o *fileOwners) chown(path string, uid, gid int) error {
	o.set(path, uid, gid)
	return nil
}

func (o *fileOwners) get(path string) [2]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.m[path]
}

type harness struct {
	orch       *Orchestrator
	source     *engine.Fake
	dest       *engine.Fake
	store      *state.Store
	srcOwners  *fileOwners
	destOwners *fileOwners
	passes     []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		srcOwners:  newFileOwners(),
		destOwners: newFileOwners(),
	}

	var err error
	h.source, err = engine.NewFake(t.TempDir())
	require.NoError(t, err)
	h.dest, err = engine.NewFake(t.TempDir())
	require.NoError(t, err)
	h.store, err = state.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { h.store.Close() })

	h.orch = New(Config{
		SourceEngine: h.source,
		DestEngine:   h.dest,
		Store:        h.store,
		Transport:    &LocalTransport{StagingDir: t.TempDir()},
		TriggerPass: func(ctx context.Context, hostID string) error {
			h.passes = append(h.passes, hostID)
			return nil
		},
		StopTimeout: time.Second,
	},
		WithOwnerLookup(h.srcOwners.lookup),
		WithChown(h.destOwners.chown),
	)
	return h
}

// seedSourceVolume populates the source volume with files owned by
// remap(0) and remap(1337).
func (h *harness) seedSourceVolume(t *testing.T, volume string) string {
	t.Helper()
	ctx := context.Background()

	volPath, err := h.source.EnsureVolume(ctx, volume)
	require.NoError(t, err)

	dataDir := filepath.Join(volPath, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(volPath, "config.ini"), []byte("setting=1\n"), 0640))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "table.db"), []byte("rows"), 0600))

	h.srcOwners.set(dataDir, remap(types.StandardContainerUID), remap(types.StandardContainerUID))
	h.srcOwners.set(filepath.Join(volPath, "config.ini"), remap(0), remap(0))
	h.srcOwners.set(filepath.Join(dataDir, "table.db"), remap(types.StandardContainerUID), remap(types.StandardContainerUID))
	return volPath
}

func (h *harness) seedDestSnapshot(t *testing.T, hostID, role string) {
	t.Helper()
	require.NoError(t, h.store.SaveSnapshot(&types.HostSnapshot{
		HostID:     hostID,
		PassID:     "seed-pass",
		Succeeded:  true,
		RangeStart: types.SubordinateRangeStart,
		RangeSize:  types.SubordinateRangeSize,
		Services:   map[string]string{role: "confighash"},
	}))
}

func TestMigrate_PreservesNumericOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedSourceVolume(t, "db-data")
	h.seedDestSnapshot(t, "host-b", "db")
	require.NoError(t, h.source.StartService(ctx, &types.ServiceSpec{Name: "db"}))

	record, err := h.orch.Migrate(ctx, Request{
		Role: "db", Volume: "db-data", SourceHost: "host-a", DestHost: "host-b",
	})
	require.NoError(t, err)
	assert.Equal(t, types.MigrationStatusComplete, record.Status)

	// Data arrived intact.
	destVol := h.dest.VolumePath("db-data")
	data, err := os.ReadFile(filepath.Join(destVol, "config.ini"))
	require.NoError(t, err)
	assert.Equal(t, "setting=1\n", string(data))
	data, err = os.ReadFile(filepath.Join(destVol, "data", "table.db"))
	require.NoError(t, err)
	assert.Equal(t, "rows", string(data))

	// Ownership arrived numerically identical.
	assert.Equal(t, [2]int{remap(0), remap(0)},
		h.destOwners.get(filepath.Join(destVol, "config.ini")))
	assert.Equal(t, [2]int{remap(types.StandardContainerUID), remap(types.StandardContainerUID)},
		h.destOwners.get(filepath.Join(destVol, "data", "table.db")))
	assert.Equal(t, [2]int{remap(types.StandardContainerUID), remap(types.StandardContainerUID)},
		h.destOwners.get(filepath.Join(destVol, "data")))

	// Source stopped, destination pass triggered.
	srcState, err := h.source.State(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, engine.ServiceStateStopped, srcState)
	assert.Equal(t, []string{"host-b"}, h.passes)

	// Audit record persisted.
	stored, err := h.store.GetMigration(record.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.MigrationStatusComplete, stored.Status)
	assert.Empty(t, stored.Error)
}

func TestMigrate_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		snap *types.HostSnapshot
	}{
		{"no pass recorded", nil},
		{"failed pass", &types.HostSnapshot{
			HostID: "host-b", Succeeded: false,
			RangeStart: types.SubordinateRangeStart, RangeSize: types.SubordinateRangeSize,
			Services: map[string]string{"db": "h"},
		}},
		{"role not covered", &types.HostSnapshot{
			HostID: "host-b", Succeeded: true,
			RangeStart: types.SubordinateRangeStart, RangeSize: types.SubordinateRangeSize,
			Services: map[string]string{"web": "h"},
		}},
		{"misconfigured range", &types.HostSnapshot{
			HostID: "host-b", Succeeded: true,
			RangeStart: 200000, RangeSize: types.SubordinateRangeSize,
			Services: map[string]string{"db": "h"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.seedSourceVolume(t, "db-data")
			require.NoError(t, h.source.StartService(ctx, &types.ServiceSpec{Name: "db"}))
			if tt.snap != nil {
				require.NoError(t, h.store.SaveSnapshot(tt.snap))
			}

			record, err := h.orch.Migrate(ctx, Request{
				Role: "db", Volume: "db-data", SourceHost: "host-a", DestHost: "host-b",
			})
			require.Error(t, err)

			var precondition *PreconditionError
			require.ErrorAs(t, err, &precondition)
			assert.Equal(t, types.MigrationStatusFailed, record.Status)

			// Precondition failures happen before the source stop.
			srcState, err := h.source.State(ctx, "db")
			require.NoError(t, err)
			assert.Equal(t, engine.ServiceStateRunning, srcState)
			assert.Empty(t, h.passes)
		})
	}
}

type failingTransport struct{}

func (failingTransport) Transfer(ctx context.Context, srcPath string) (string, error) {
	return "", os.ErrDeadlineExceeded
}

func TestMigrate_TransferFailureLeavesSourceStoppedDestUnstarted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.seedSourceVolume(t, "db-data")
	h.seedDestSnapshot(t, "host-b", "db")
	require.NoError(t, h.source.StartService(ctx, &types.ServiceSpec{Name: "db"}))

	h.orch.transport = failingTransport{}

	record, err := h.orch.Migrate(ctx, Request{
		Role: "db", Volume: "db-data", SourceHost: "host-a", DestHost: "host-b",
	})
	require.Error(t, err)
	assert.Equal(t, types.MigrationStatusFailed, record.Status)
	assert.NotEmpty(t, record.Error)

	// Fail-safe: source stopped, nothing running on the destination,
	// no destination pass.
	srcState, err := h.source.State(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, engine.ServiceStateStopped, srcState)
	destState, err := h.dest.State(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, engine.ServiceStateAbsent, destState)
	assert.Empty(t, h.passes)
}

func TestUnpack_RejectsPathTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.tar")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 4,
	}))
	_, err = tw.Write([]byte("evil"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	parent := t.TempDir()
	destDir := filepath.Join(parent, "volume")
	require.NoError(t, os.MkdirAll(destDir, 0750))

	in, err := os.Open(archivePath)
	require.NoError(t, err)
	defer in.Close()

	a := newArchiver()
	a.chown = func(string, int, int) error { return nil }
	err = a.unpack(in, destDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the volume root")

	_, statErr := os.Stat(filepath.Join(parent, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSecureJoin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{"plain file", "config.ini", false},
		{"nested", "data/table.db", false},
		{"dot prefixed", "./data/table.db", false},
		{"absolute", "/etc/passwd", true},
		{"parent escape", "../escape.txt", true},
		{"deep escape", "data/../../escape.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joined, err := secureJoin(root, tt.entry)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(joined, root+string(filepath.Separator)))
		})
	}
}

func TestPack_StripsSymbolicNames(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "file.txt"), []byte("x"), 0644))

	owners := newFileOwners()
	owners.set(filepath.Join(srcDir, "file.txt"), remap(7), remap(7))

	a := newArchiver()
	a.ownerOf = owners.lookup

	archivePath := filepath.Join(t.TempDir(), "out.tar")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	_, err = a.pack(srcDir, f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	in, err := os.Open(archivePath)
	require.NoError(t, err)
	defer in.Close()

	tr := tar.NewReader(in)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "file.txt", hdr.Name)
	assert.Equal(t, remap(7), hdr.Uid)
	assert.Equal(t, remap(7), hdr.Gid)
	assert.Empty(t, hdr.Uname)
	assert.Empty(t, hdr.Gname)
}
