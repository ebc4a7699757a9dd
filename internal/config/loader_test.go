package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "c.yaml", "addr: :9090\nbackend: stub\nmax_output_tokens: 64\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.Backend != "stub" || cfg.MaxOutputTokens != 64 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeConfig(t, "c.json", `{"addr":":8081","apply_prompt_template":true}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || !cfg.ApplyPromptTemplate {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeConfig(t, "c.toml", "addr = \":7070\"\nbackend = \"llama\"\nmodel_path = \"/m.gguf\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.Backend != "llama" || cfg.ModelPath != "/m.gguf" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	p := writeConfig(t, "c.ini", "addr=:1\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for unsupported extension")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
