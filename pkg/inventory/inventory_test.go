package inventory

import (
	"strings"
	"testing"

	"github.com/bastille-sh/bastille/pkg/types"
)

const validInventory = `
hosts:
  - id: web-1
    address: 10.20.0.11
    roles: [webapp, cache]
  - id: db-1
    address: 10.20.0.12
    roles: [postgres]

roles:
  webapp:
    image: registry.internal/webapp:2.4.1
    volumes:
      - name: webapp_data
        mountPath: /data
    secrets:
      - name: db_password
        type: password
  cache:
    image: registry.internal/redis:7.2
  postgres:
    image: registry.internal/postgres:16
    volumes:
      - name: pg_data
        mountPath: /var/lib/postgresql/data
      - name: host_logs
        scope: log-share
        mountPath: /logs
        hostPath: /var/lib/bastille/logs
        reason: fluentd sidecar tails host logs
`

func TestLoad(t *testing.T) {
	inv, err := Load([]byte(validInventory))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(inv.Hosts) != 2 {
		t.Errorf("len(Hosts) = %d, want 2", len(inv.Hosts))
	}

	role, ok := inv.Roles["webapp"]
	if !ok {
		t.Fatal("role webapp missing")
	}
	if role.Name != "webapp" {
		t.Errorf("role.Name = %q, want webapp", role.Name)
	}
	if role.EffectiveUID() != types.StandardContainerUID {
		t.Errorf("EffectiveUID() = %d, want %d", role.EffectiveUID(), types.StandardContainerUID)
	}
}

func TestLoad_RolesFor(t *testing.T) {
	inv, err := Load([]byte(validInventory))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	host, err := inv.Host("web-1")
	if err != nil {
		t.Fatalf("Host() error = %v", err)
	}

	roles, err := inv.RolesFor(host)
	if err != nil {
		t.Fatalf("RolesFor() error = %v", err)
	}

	if len(roles) != 2 {
		t.Fatalf("len(roles) = %d, want 2", len(roles))
	}
	// Sorted by name
	if roles[0].Name != "cache" || roles[1].Name != "webapp" {
		t.Errorf("roles = [%s %s], want [cache webapp]", roles[0].Name, roles[1].Name)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown role reference",
			yaml: `
hosts:
  - id: web-1
    roles: [nope]
roles:
  webapp:
    image: img
`,
			wantErr: "unknown role",
		},
		{
			name: "missing image",
			yaml: `
hosts: []
roles:
  webapp:
    env: [A=1]
`,
			wantErr: "image is required",
		},
		{
			name: "named volume with host path",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    volumes:
      - name: data
        mountPath: /data
        hostPath: /var/appdata
`,
			wantErr: "must not declare a host path",
		},
		{
			name: "exception without reason",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    volumes:
      - name: sock
        scope: socket-passthrough
        mountPath: /run/control.sock
        hostPath: /run/control.sock
`,
			wantErr: "recorded reason",
		},
		{
			name: "unknown volume scope",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    volumes:
      - name: data
        scope: floating
        mountPath: /data
`,
			wantErr: "unknown scope",
		},
		{
			name: "unknown secret type",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    secrets:
      - name: tok
        type: hologram
`,
			wantErr: "unknown type",
		},
		{
			name: "traversal host id",
			yaml: `
hosts:
  - id: ../../escape
    roles: []
roles: {}
`,
			wantErr: "single path segment",
		},
		{
			name: "traversal role name",
			yaml: `
hosts: []
roles:
  ../../escape:
    image: img
`,
			wantErr: "single path segment",
		},
		{
			name: "nested role name",
			yaml: `
hosts: []
roles:
  web/app:
    image: img
`,
			wantErr: "single path segment",
		},
		{
			name: "traversal volume name",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    volumes:
      - name: ../../escape
        mountPath: /data
`,
			wantErr: "single path segment",
		},
		{
			name: "traversal secret name",
			yaml: `
hosts: []
roles:
  webapp:
    image: img
    secrets:
      - name: ../loose-secret
`,
			wantErr: "single path segment",
		},
		{
			name: "host lists role twice",
			yaml: `
hosts:
  - id: web-1
    roles: [webapp, webapp]
roles:
  webapp:
    image: img
`,
			wantErr: "twice",
		},
		{
			name: "duplicate host",
			yaml: `
hosts:
  - id: web-1
  - id: web-1
roles: {}
`,
			wantErr: "duplicate host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
