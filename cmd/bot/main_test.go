package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}

func TestLoadDotenvExportsSecrets(t *testing.T) {
	for _, key := range []string{"ARB_BYBIT_KEY", "ARB_OKX_PASS", "ARB_OKX_SECRET"} {
		unsetEnv(t, key)
	}
	path := writeDotenv(t, ""+
		"# exchange secrets\n"+
		"ARB_BYBIT_KEY=bar\n"+
		"ARB_OKX_PASS=\"baz\"\n"+
		"ARB_OKX_SECRET='qux'\n")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	for key, want := range map[string]string{"ARB_BYBIT_KEY": "bar", "ARB_OKX_PASS": "baz", "ARB_OKX_SECRET": "qux"} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s expected %q, got %q", key, want, got)
		}
	}
}

func TestLoadDotenvKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("ARB_BYBIT_KEY", "existing")
	if err := loadDotenv(writeDotenv(t, "ARB_BYBIT_KEY=bar\n")); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("ARB_BYBIT_KEY"); got != "existing" {
		t.Fatalf("expected existing value kept, got %q", got)
	}
}

func TestLoadDotenvMissingOrDisabled(t *testing.T) {
	if err := loadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
	if err := loadDotenv(""); err != nil {
		t.Fatalf("expected empty path to skip loading, got %v", err)
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	if err := run(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected missing config to fail")
	}
}
