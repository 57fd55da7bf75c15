package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseProtocolVersion(t *testing.T) {
	cases := []struct {
		protocol string
		wantV    uint
		wantOK   bool
	}{
		{"/eth/66/1.0.0", 66, true},
		{"/eth/67/1.0.0", 67, true},
		{"/les/4/1.0.0", 0, false},
		{"garbage", 0, false},
		{"/eth/abc/1.0.0", 0, false},
	}
	for _, c := range cases {
		v, ok := parseProtocolVersion(c.protocol)
		if ok != c.wantOK || v != c.wantV {
			t.Errorf("parseProtocolVersion(%q) = (%d, %v), want (%d, %v)", c.protocol, v, ok, c.wantV, c.wantOK)
		}
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr == "" {
		t.Fatal("expected a default listen address")
	}
	if cfg.GlobalSlots == 0 || cfg.GlobalQueue == 0 {
		t.Fatal("expected nonzero default pool sizes")
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quartz.toml")
	contents := `
listenAddr = "127.0.0.1:40404"
chainId = 9999
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:40404" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:40404", cfg.ListenAddr)
	}
	if cfg.ChainID != 9999 {
		t.Errorf("ChainID = %d, want 9999", cfg.ChainID)
	}
	if cfg.GlobalSlots != DefaultConfig().GlobalSlots {
		t.Errorf("GlobalSlots = %d, want default %d preserved", cfg.GlobalSlots, DefaultConfig().GlobalSlots)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
