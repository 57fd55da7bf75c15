// Package node is the composition root wiring discovery, transport,
// stream muxing, the ETH engine, the mempool, and the blockchain manager
// into one running process, plus a debug HTTP surface for inspecting it.
package node

import (
	"os"

	"github.com/naoina/toml"
)

// Config is the top-level configuration recognized by §6
// "Configuration", loaded from a TOML file by cmd/quartz.
type Config struct {
	DataDir string `toml:"datadir"`

	ListenAddr string `toml:"listenAddr"`
	NodeKeyHex string `toml:"nodeKeyHex"`

	BootstrapNodes []string `toml:"bootstrapNodes"`

	ChainID uint64 `toml:"chainId"`

	ValidateBlocks   bool `toml:"validateBlocks"`
	ValidateConsensus bool `toml:"validateConsensus"`

	GlobalSlots int `toml:"globalSlots"`
	GlobalQueue int `toml:"globalQueue"`

	DebugHTTPAddr string `toml:"debugHttpAddr"`

	RequireEIP8 bool `toml:"requireEip8"`
}

// DefaultConfig mirrors the §6 defaults for the options this node wires.
func DefaultConfig() Config {
	return Config{
		DataDir:       "./quartzdata",
		ListenAddr:    ":30303",
		ChainID:       1337,
		GlobalSlots:   4096,
		GlobalQueue:   1024,
		DebugHTTPAddr: "127.0.0.1:8645",
		RequireEIP8:   true,
	}
}

// LoadConfig reads and decodes a TOML config file, starting from
// DefaultConfig so unset fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
