package defaults

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nugget/relay/internal/config"
)

func TestConfigYAMLLoads(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "gm-test")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Backends) != 2 || cfg.Gateway.Vision != "gemini" {
		t.Errorf("backends = %+v, gateway = %+v", cfg.Backends, cfg.Gateway)
	}
	if len(cfg.Modes) != 2 {
		t.Errorf("modes = %+v", cfg.Modes)
	}
	if !cfg.Telegram.Configured() || cfg.MQTT.Configured() {
		t.Errorf("telegram configured = %v, mqtt configured = %v", cfg.Telegram.Configured(), cfg.MQTT.Configured())
	}
}
