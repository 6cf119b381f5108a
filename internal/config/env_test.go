package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnv(t *testing.T) {
	for _, key := range []string{"FEED_TOKEN", "QUOTED", "SINGLE", "EMPTY", "EXPORTED", "COMMENTED"} {
		unsetEnv(t, key)
	}
	path := writeEnvFile(t, ""+
		"# comment\n"+
		"FEED_TOKEN=bar\n"+
		"QUOTED=\"baz # kept\"\n"+
		"SINGLE='qux'\n"+
		"EMPTY=\n"+
		"export EXPORTED=yes\n"+
		"COMMENTED=value # trailing\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"FEED_TOKEN": "bar",
		"QUOTED":     "baz # kept",
		"SINGLE":     "qux",
		"EMPTY":      "",
		"EXPORTED":   "yes",
		"COMMENTED":  "value",
	}
	for key, val := range want {
		if got := os.Getenv(key); got != val {
			t.Fatalf("%s expected %q, got %q", key, val, got)
		}
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv(EnvTelegramToken, "existing")
	path := writeEnvFile(t, EnvTelegramToken+"=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv(EnvTelegramToken); got != "existing" {
		t.Fatalf("expected existing value kept, got %q", got)
	}
}

func TestLoadEnvReportsMalformedLine(t *testing.T) {
	unsetEnv(t, "GOOD")
	path := writeEnvFile(t, "GOOD=1\nnot a pair\n")
	if err := LoadEnv(path); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
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
