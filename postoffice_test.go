package postoffice

import (
	"os"
	"path/filepath"
	"testing"
)

func TestConfigValidateRejectsZeroBuffers(t *testing.T) {
	cfg := testConfig()
	cfg.ReceiveBufferMaxItems = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a zero ReceiveBufferMaxItems")
	}
}

func TestConfigValidateAcceptsDefaults(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("expected the test config to be valid, got %v", err)
	}
}

func TestLoadConfigAppliesEnvDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServerPort != 4808 {
		t.Fatalf("expected the envDefault port 4808, got %d", cfg.ServerPort)
	}
	if cfg.ReceiveBufferMaxItems != 262144 {
		t.Fatalf("expected the envDefault receive buffer size, got %d", cfg.ReceiveBufferMaxItems)
	}
}

func TestLoadConfigOverlaysEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("POSTOFFICE_SERVER_HOST=broker.internal\n"), 0o644); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("POSTOFFICE_SERVER_HOST") })

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.ServerHost != "broker.internal" {
		t.Fatalf("expected ServerHost from env file, got %q", cfg.ServerHost)
	}
}

func TestLoadConfigToleratesMissingEnvFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.env")); err != nil {
		t.Fatalf("expected a missing env file to be tolerated, got %v", err)
	}
}
