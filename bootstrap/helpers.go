package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"chimera/config"

	"go.uber.org/zap"
)

// DataDirectories defines the paths that must exist before Chimera starts.
type DataDirectories struct {
	Base     string // base data directory (default: ./data)
	Mappings string // ingest field-mapping profiles directory
	SQLite   string // SQLite database file path
}

// DefaultDataDirectories returns the directory layout used during the
// pre-flight check, before config is loaded. Environment overrides mirror
// the config bindings so both resolve identically.
func DefaultDataDirectories() DataDirectories {
	base := os.Getenv("CHIMERA_DATA_DIR")
	if base == "" {
		base = "./data"
	}

	sqlitePath := os.Getenv("CHIMERA_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = filepath.Join(base, "chimera.db")
	}

	mappingsDir := os.Getenv("CHIMERA_MAPPINGS_DIR")
	if mappingsDir == "" {
		mappingsDir = filepath.Join(base, "mappings")
	}

	return DataDirectories{
		Base:     base,
		Mappings: mappingsDir,
		SQLite:   sqlitePath,
	}
}

// DataDirectoriesFromConfig resolves the directory layout from loaded config.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{
		Base:     cfg.GetDataDir(),
		Mappings: cfg.GetMappingsDir(),
		SQLite:   cfg.GetSQLitePath(),
	}
}

// EnsureDataDirectories creates the required directories and verifies they
// are writable. Runs as a pre-flight check before any service initialization
// so permission problems surface with a remediation hint instead of a
// mid-startup failure.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	for _, dir := range []string{dirs.Base, dirs.Mappings} {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: ensure the parent directory exists and is writable\n"+
				"  For Docker: check volume mount permissions\n"+
				"  For bare metal: run 'mkdir -p %s && chmod 755 %s'", dir, err, absPath, absPath)
		}

		testFile := filepath.Join(absPath, ".chimera_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: check file system permissions\n"+
				"  For Docker: ensure the volume is mounted with write access\n"+
				"  For bare metal: run 'chmod -R u+w %s'", dir, err, absPath)
		}
		os.Remove(testFile)

		sugar.Infow("Data directory ready", "path", absPath)
	}

	return nil
}

// ClassifyConnectionError turns a raw dial failure into an actionable
// message for the named backend (ClickHouse, Redis, NATS).
func ClassifyConnectionError(err error, backend, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to %s at %s timed out.\n"+
			"  Possible causes: the service is still starting, a firewall is in the way, or it is overloaded.\n"+
			"  Remediation: verify it is running and reachable: nc -zv %s", backend, addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			(opErr.Err != nil && containsIgnoreCase(opErr.Err.Error(), "connection refused")) {
			return fmt.Sprintf("Connection refused by %s at %s.\n"+
				"  This usually means the service is not running.\n"+
				"  Remediation: start it, check its logs, and verify the address in config.yaml", backend, addr)
		}
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in %s address %s.\n"+
			"  Remediation: verify the hostname, check DNS, or use an IP address instead", backend, addr)
	}

	if containsIgnoreCase(errStr, "authentication") || containsIgnoreCase(errStr, "password") || containsIgnoreCase(errStr, "denied") {
		return fmt.Sprintf("Authentication failed for %s at %s.\n"+
			"  Remediation: verify the credentials in config.yaml or the configured secrets provider", backend, addr)
	}

	return fmt.Sprintf("Failed to connect to %s at %s: %v", backend, addr, err)
}

// ClassifySQLiteError explains the common ways opening the primary store
// fails and what to do about each.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	if containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied") {
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation: check permissions on the file and its directory (%s);\n"+
			"  for Docker, ensure the volume is mounted with the service user's uid", absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY") {
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes: another Chimera instance is running, or a crashed process left a stale lock.\n"+
			"  Remediation: stop the other instance, or remove stale -wal/-shm files after confirming nothing holds them", absPath)
	}

	if containsIgnoreCase(errStr, "no such file") || containsIgnoreCase(errStr, "unable to open") {
		return fmt.Sprintf("Cannot open SQLite database at %s.\n"+
			"  Remediation: ensure the directory %s exists and is writable", absPath, parentDir)
	}

	return fmt.Sprintf("Failed to open SQLite database at %s: %v", absPath, err)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
