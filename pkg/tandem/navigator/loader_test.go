package navigator

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// These tests manipulate process environment via t.Setenv, so none of them
// run in parallel.

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TANDEM_TEST_SET", "resolved")
	os.Unsetenv("TANDEM_TEST_UNSET")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced set", "key: ${TANDEM_TEST_SET}", "key: resolved"},
		{"braced unset stays literal", "key: ${TANDEM_TEST_UNSET}", "key: ${TANDEM_TEST_UNSET}"},
		{"default used when unset", "key: ${TANDEM_TEST_UNSET:-fallback}", "key: fallback"},
		{"default ignored when set", "key: ${TANDEM_TEST_SET:-fallback}", "key: resolved"},
		{"bare variable", "key: $TANDEM_TEST_SET", "key: resolved"},
		{"bare unset stays literal", "key: $TANDEM_TEST_UNSET", "key: $TANDEM_TEST_UNSET"},
		{"lowercase bare not expanded", "key: $lowercase", "key: $lowercase"},
		{"no references", "key: plain", "key: plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.in); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandEnvVarsWithValidation(t *testing.T) {
	os.Unsetenv("TANDEM_TEST_REQUIRED")

	_, err := expandEnvVarsWithValidation("api_key: ${TANDEM_TEST_REQUIRED:?api key must be set}")
	if err == nil {
		t.Fatal("expected an error for a required unset variable")
	}
	if !strings.Contains(err.Error(), "TANDEM_TEST_REQUIRED") ||
		!strings.Contains(err.Error(), "api key must be set") {
		t.Errorf("expected the variable and message in the error, got %v", err)
	}

	t.Setenv("TANDEM_TEST_REQUIRED", "present")
	out, err := expandEnvVarsWithValidation("api_key: ${TANDEM_TEST_REQUIRED:?api key must be set}")
	if err != nil {
		t.Fatalf("expected no error once set, got %v", err)
	}
	if out != "api_key: present" {
		t.Errorf("unexpected expansion: %q", out)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("TANDEM_TEST_LOADER_KEY", "sk-from-environment")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `name: Custom
model: test-model
api:
  base_url: http://localhost:11434/v1
  api_key: ${TANDEM_TEST_LOADER_KEY}
sessions:
  dir: ./sessions
delegates:
  ledger_path: ./delegates.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("expected to write the config file, got error: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("expected the config to load, got error: %v", err)
	}
	if cfg.Name != "Custom" || cfg.Model != "test-model" {
		t.Errorf("unexpected header fields: %q, %q", cfg.Name, cfg.Model)
	}
	if cfg.API.APIKey != "sk-from-environment" {
		t.Errorf("expected the env reference expanded, got %q", cfg.API.APIKey)
	}
	if want := filepath.Join(dir, "sessions"); cfg.Sessions.Dir != want {
		t.Errorf("expected the session dir anchored at the config dir, got %q", cfg.Sessions.Dir)
	}
	if want := filepath.Join(dir, "delegates.db"); cfg.Delegates.LedgerPath != want {
		t.Errorf("expected the ledger path anchored at the config dir, got %q", cfg.Delegates.LedgerPath)
	}
	// Untouched sections keep their defaults.
	if cfg.Agent.ActivityTimeoutSeconds != 30 || cfg.Compaction.TriggerPercent != 80 {
		t.Errorf("expected defaults for untouched sections, got %+v", cfg.Agent)
	}
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	if _, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLoadConfigFromFile_SecretsFromEnvironment(t *testing.T) {
	t.Setenv("TANDEM_API_KEY", "sk-tandem-priority")
	t.Setenv("OPENAI_API_KEY", "sk-openai-second")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("model: m\n"), 0o600); err != nil {
		t.Fatalf("expected to write the config file, got error: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("expected the config to load, got error: %v", err)
	}
	if cfg.API.APIKey != "sk-tandem-priority" {
		t.Errorf("expected TANDEM_API_KEY to win, got %q", cfg.API.APIKey)
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("model: overridden\n"))
	if err != nil {
		t.Fatalf("expected valid YAML to parse, got error: %v", err)
	}
	if cfg.Model != "overridden" {
		t.Errorf("expected the override, got %q", cfg.Model)
	}
	if cfg.Name != "Tandem" || !cfg.Delegates.Enabled || cfg.Sessions.MaxSessions != 50 {
		t.Error("expected defaults beneath the override")
	}

	if _, err := ParseConfig([]byte(":\tnot yaml")); err == nil {
		t.Error("expected malformed YAML to fail")
	}
}

func TestSaveConfigToFile_SanitizesKnownSecret(t *testing.T) {
	t.Setenv("TANDEM_API_KEY", "sk-secret-value-123")

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-secret-value-123"

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("expected the save to succeed, got error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected to read the saved file, got error: %v", err)
	}
	if strings.Contains(string(data), "sk-secret-value-123") {
		t.Error("expected the plaintext key to be replaced before writing")
	}
	if !strings.Contains(string(data), "${TANDEM_API_KEY}") {
		t.Error("expected the env reference in the saved file")
	}
}

func TestSaveConfigToFile_KeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("# previous\n"), 0o600); err != nil {
		t.Fatalf("expected to write the original, got error: %v", err)
	}

	if err := SaveConfigToFile(DefaultConfig(), path); err != nil {
		t.Fatalf("expected the save to succeed, got error: %v", err)
	}

	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("expected a backup file, got error: %v", err)
	}
	if string(backup) != "# previous\n" {
		t.Errorf("expected the previous content in the backup, got %q", backup)
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "Roundtrip"
	cfg.Agent.MaxContinuations = 7

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("expected the save to succeed, got error: %v", err)
	}
	loaded, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("expected the load to succeed, got error: %v", err)
	}
	if loaded.Name != "Roundtrip" || loaded.Agent.MaxContinuations != 7 {
		t.Errorf("unexpected roundtrip result: %q, %d", loaded.Name, loaded.Agent.MaxContinuations)
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	for _, name := range []string{"config.yaml", "tandem.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("model: m\n"), 0o600); err != nil {
			t.Fatalf("expected to write %s, got error: %v", name, err)
		}
	}

	// tandem.yaml outranks config.yaml.
	if got := FindConfigFile(); got != "tandem.yaml" {
		t.Errorf("expected tandem.yaml to win, got %q", got)
	}
}

func TestIsEnvReference(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"${TANDEM_API_KEY}", true},
		{"$TANDEM_API_KEY", true},
		{"sk-plaintext", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEnvReference(tt.in); got != tt.want {
			t.Errorf("IsEnvReference(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLooksLikeRealKey(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"sk-anything", true},
		{strings.Repeat("a", 21), true},
		{"short", false},
		{"${TANDEM_API_KEY}", false},
	}
	for _, tt := range tests {
		if got := looksLikeRealKey(tt.in); got != tt.want {
			t.Errorf("looksLikeRealKey(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAuditSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-hardcoded-real-key"
	AuditSecrets(cfg, logger)
	if !strings.Contains(buf.String(), "hardcoded") {
		t.Error("expected a warning for a hardcoded key")
	}

	buf.Reset()
	cfg.API.APIKey = "${TANDEM_API_KEY}"
	AuditSecrets(cfg, logger)
	if buf.Len() != 0 {
		t.Errorf("expected no warning for an env reference, got %q", buf.String())
	}
}
