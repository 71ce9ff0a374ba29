package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
backends:
  - name: groq
    provider: openai
    base_url: https://api.groq.com/openai/v1
    model: llama-3.3-70b-versatile
    api_keys: [k1, k2]
  - name: gemini
    provider: gemini
    model: gemini-2.5-flash
    api_keys: [g1]
    vision: true
gateway:
  primary: groq
  vision: gemini
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Chdir(filepath.Dir(path))

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Gateway.Selector != "groq" {
		t.Errorf("Selector = %q, want primary %q", cfg.Gateway.Selector, "groq")
	}
	if cfg.Agent.CancelHold != 10*time.Second {
		t.Errorf("CancelHold = %v, want 10s", cfg.Agent.CancelHold)
	}
	if cfg.Agent.HistoryLimit != 10 {
		t.Errorf("HistoryLimit = %d, want 10", cfg.Agent.HistoryLimit)
	}
	if cfg.Tools.OutputDir != filepath.Join("./data", "files") {
		t.Errorf("OutputDir = %q", cfg.Tools.OutputDir)
	}
	if cfg.WebChat.Address != "127.0.0.1" {
		t.Errorf("WebChat.Address = %q, want loopback", cfg.WebChat.Address)
	}
	if got := cfg.Backends[0].APIKeys; len(got) != 2 || got[0] != "k1" {
		t.Errorf("APIKeys = %v, want [k1 k2]", got)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "secret123")
	body := strings.Replace(minimalConfig, "[g1]", "[${RELAY_TEST_KEY}]", 1)

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	b, _ := cfg.Backend("gemini")
	if b.APIKeys[0] != "secret123" {
		t.Errorf("api key = %q, want %q", b.APIKeys[0], "secret123")
	}
}

func TestLoad_Durations(t *testing.T) {
	body := minimalConfig + "agent:\n  cancel_hold: 3s\n  tool_timeout: 1m\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Agent.CancelHold != 3*time.Second {
		t.Errorf("CancelHold = %v, want 3s", cfg.Agent.CancelHold)
	}
	if cfg.Agent.ToolTimeout != time.Minute {
		t.Errorf("ToolTimeout = %v, want 1m", cfg.Agent.ToolTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		replace [2]string
		wantErr string
	}{
		{
			name:    "valid backend mode",
			extra:   "modes:\n  - name: Compound\n    backend: groq\n",
			wantErr: "",
		},
		{
			name:    "unknown primary",
			replace: [2]string{"primary: groq", "primary: nope"},
			wantErr: "gateway.primary",
		},
		{
			name:    "vision backend not marked",
			replace: [2]string{"vision: true", "vision: false"},
			wantErr: "not marked vision",
		},
		{
			name:    "unknown provider",
			replace: [2]string{"provider: gemini", "provider: watson"},
			wantErr: "unknown provider",
		},
		{
			name:    "mode with both targets",
			extra:   "modes:\n  - name: x\n    backend: groq\n    tool: calculator\n",
			wantErr: "exactly one",
		},
		{
			name:    "mode shadows command",
			extra:   "modes:\n  - name: cancel\n    backend: groq\n",
			wantErr: "built-in command",
		},
		{
			name:    "mode tool not enabled",
			extra:   "modes:\n  - name: wolfram\n    tool: wolfram\n",
			wantErr: "not enabled",
		},
		{
			name:    "bad log level",
			extra:   "log_level: chatty\n",
			wantErr: "unknown log level",
		},
		{
			name:    "whisper backend must be openai",
			extra:   "convert:\n  whisper_backend: gemini\n",
			wantErr: "whisper_backend",
		},
		{
			name:    "mqtt interval too short",
			extra:   "mqtt:\n  broker: mqtt://localhost:1883\n  publish_interval: 500ms\n",
			wantErr: "publish_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := minimalConfig
			if tt.replace[0] != "" {
				body = strings.Replace(body, tt.replace[0], tt.replace[1], 1)
			}
			body += tt.extra

			_, err := Load(writeConfig(t, body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestModeNamesLowercased(t *testing.T) {
	body := minimalConfig + "modes:\n  - name: Compound\n    backend: groq\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Modes[0].Name != "compound" {
		t.Errorf("mode name = %q, want %q", cfg.Modes[0].Name, "compound")
	}
}
