package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileToleratesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	// Comments and trailing commas are operator realities.
	content := `{
		// primary agent
		"agents": {
			"list": {
				"helper": {"model": "claude-sonnet-4-5-20250929", "default": true,},
			},
		},
		"gateway": {"port": 19999,},
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 19999 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if cfg.ResolveDefaultAgentID() != "helper" {
		t.Fatalf("default agent = %q", cfg.ResolveDefaultAgentID())
	}
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port == 0 || cfg.Agents.Defaults.Model == "" {
		t.Fatalf("defaults not applied: %+v", cfg.Gateway)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HALOGATE_ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("HALOGATE_PORT", "28080")
	t.Setenv("HALOGATE_TELEGRAM_TOKEN", "tg-token")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Fatal("provider key not overridden")
	}
	if cfg.Gateway.Port != 28080 {
		t.Fatalf("port = %d", cfg.Gateway.Port)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Fatal("telegram token should auto-enable the channel")
	}
	if !cfg.HasAnyProvider() {
		t.Fatal("HasAnyProvider = false")
	}
}

func TestResolveAgentMergesOverrides(t *testing.T) {
	cfg := Default()
	cfg.Agents.List = map[string]AgentSpec{
		"research": {Model: "claude-opus-4-6", ContextWindow: 500000},
	}

	resolved := cfg.ResolveAgent("research")
	if resolved.Model != "claude-opus-4-6" {
		t.Fatalf("model = %q", resolved.Model)
	}
	if resolved.ContextWindow != 500000 {
		t.Fatalf("context window = %d", resolved.ContextWindow)
	}
	// Unset fields inherit defaults.
	if resolved.Provider != cfg.Agents.Defaults.Provider {
		t.Fatalf("provider = %q", resolved.Provider)
	}

	// Unknown agents resolve to pure defaults.
	if got := cfg.ResolveAgent("ghost"); got.Model != cfg.Agents.Defaults.Model {
		t.Fatalf("ghost model = %q", got.Model)
	}
}

func TestStoreSnapshotSemantics(t *testing.T) {
	first := Default()
	first.Gateway.Port = 1111
	store := NewStore(first)

	captured := store.Current()

	second := Default()
	second.Gateway.Port = 2222
	var gotOld, gotNew *Config
	store.OnChange(func(old, next *Config) { gotOld, gotNew = old, next })
	store.Replace(second)

	if captured.Gateway.Port != 1111 {
		t.Fatal("captured snapshot mutated by Replace")
	}
	if store.Current().Gateway.Port != 2222 {
		t.Fatal("Replace did not publish")
	}
	if gotOld != first || gotNew != second {
		t.Fatal("OnChange not invoked with old/new snapshots")
	}
}

func TestProviderAllKeys(t *testing.T) {
	p := ProviderConfig{APIKey: "k1", ExtraAPIKeys: FlexibleStringSlice{"k2", "k3"}}
	keys := p.AllKeys()
	if len(keys) != 3 || keys[0] != "k1" || keys[2] != "k3" {
		t.Fatalf("keys = %v", keys)
	}
	if got := (ProviderConfig{}).AllKeys(); len(got) != 0 {
		t.Fatalf("empty config produced keys: %v", got)
	}
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	var f FlexibleStringSlice
	if err := f.UnmarshalJSON([]byte(`[123, "abc"]`)); err != nil {
		t.Fatal(err)
	}
	if len(f) != 2 || f[0] != "123" || f[1] != "abc" {
		t.Fatalf("parsed = %v", f)
	}
}
