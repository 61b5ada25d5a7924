package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"tradechart/internal/config"
)

func runCLI(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(cfg, t.TempDir(), zerolog.Nop())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionJSON(t *testing.T) {
	out, err := runCLI(t, config.Default(), "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if got["version"] != Version {
		t.Errorf("version = %q", got["version"])
	}
}

func TestConfigValidate(t *testing.T) {
	if _, err := runCLI(t, config.Default(), "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg := config.Default()
	cfg.Chart.HistoryLimit = 0
	out, err := runCLI(t, cfg, "config", "validate")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "history_limit") {
		t.Errorf("error output should name the field, got %q", out)
	}
}

func TestUnknownTimezoneFailsEarly(t *testing.T) {
	cfg := config.Default()
	cfg.Chart.Timezone = "Mars/Olympus"
	if _, err := runCLI(t, cfg, "config", "path"); err == nil {
		t.Fatal("expected timezone error")
	}
}
