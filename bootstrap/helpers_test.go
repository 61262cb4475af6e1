package bootstrap

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"go.uber.org/zap"
)

func TestEnsureDataDirectories(t *testing.T) {
	base := t.TempDir()
	dirs := DataDirectories{
		Base:     filepath.Join(base, "data"),
		Mappings: filepath.Join(base, "data", "mappings"),
		SQLite:   filepath.Join(base, "data", "chimera.db"),
	}

	if err := EnsureDataDirectories(dirs, zap.NewNop().Sugar()); err != nil {
		t.Fatalf("EnsureDataDirectories() error = %v", err)
	}

	for _, dir := range []string{dirs.Base, dirs.Mappings} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}

	// The write-test file must not be left behind.
	entries, err := os.ReadDir(dirs.Base)
	if err != nil {
		t.Fatalf("reading base dir: %v", err)
	}
	for _, e := range entries {
		if e.Name() == ".chimera_write_test" {
			t.Error("write-test file was not cleaned up")
		}
	}
}

func TestDefaultDataDirectoriesEnvOverride(t *testing.T) {
	t.Setenv("CHIMERA_DATA_DIR", "/var/lib/chimera")
	t.Setenv("CHIMERA_SQLITE_PATH", "")
	t.Setenv("CHIMERA_MAPPINGS_DIR", "")

	dirs := DefaultDataDirectories()
	if dirs.Base != "/var/lib/chimera" {
		t.Errorf("Base = %q, want /var/lib/chimera", dirs.Base)
	}
	if dirs.SQLite != filepath.Join("/var/lib/chimera", "chimera.db") {
		t.Errorf("SQLite path not derived from base: %q", dirs.SQLite)
	}
	if dirs.Mappings != filepath.Join("/var/lib/chimera", "mappings") {
		t.Errorf("Mappings dir not derived from base: %q", dirs.Mappings)
	}
}

func TestClassifyConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "nil error",
			err:  nil,
			want: "",
		},
		{
			name: "connection refused",
			err:  &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			want: "Connection refused",
		},
		{
			name: "unknown host",
			err:  errors.New("dial tcp: lookup clickhouse.internal: no such host"),
			want: "Cannot resolve hostname",
		},
		{
			name: "bad credentials",
			err:  errors.New("code: 516, message: default: Authentication failed"),
			want: "Authentication failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyConnectionError(tt.err, "ClickHouse", "localhost:9000")
			if tt.want == "" {
				if got != "" {
					t.Errorf("expected empty message, got %q", got)
				}
				return
			}
			if !containsIgnoreCase(got, tt.want) {
				t.Errorf("ClassifyConnectionError() = %q, want it to mention %q", got, tt.want)
			}
		})
	}
}

func TestClassifySQLiteError(t *testing.T) {
	got := ClassifySQLiteError(errors.New("database is locked (SQLITE_BUSY)"), "./data/chimera.db")
	if !containsIgnoreCase(got, "locked by another process") {
		t.Errorf("ClassifySQLiteError() = %q, want lock explanation", got)
	}

	if msg := ClassifySQLiteError(nil, "./data/chimera.db"); msg != "" {
		t.Errorf("expected empty message for nil error, got %q", msg)
	}
}
