package main

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultAddress = "http://127.0.0.1:8300"

// CLIConfig is what the CLI needs to reach wardend as an administrator.
// Values come from ~/.warden/config.yaml, then WARDEN_* environment variables.
type CLIConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Actor     string `yaml:"actor,omitempty"`
	TLSCACert string `yaml:"tls_ca_cert,omitempty"`
}

var (
	cfg CLIConfig
	// saved is the file content alone, so login never writes env values back.
	saved CLIConfig
)

func configPath() string {
	if v := os.Getenv("WARDEN_CLI_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".warden", "config.yaml")
}

// loadConfig reads the config file, if any, and applies env overrides.
func loadConfig() {
	saved = CLIConfig{Address: defaultAddress}
	if data, err := os.ReadFile(configPath()); err == nil {
		yaml.Unmarshal(data, &saved) //nolint:errcheck
	}
	cfg = saved.withEnv(os.Getenv)
}

// withEnv returns c with WARDEN_ADDR, WARDEN_TOKEN, WARDEN_ACTOR and
// WARDEN_CACERT applied over it.
func (c CLIConfig) withEnv(getenv func(string) string) CLIConfig {
	for key, field := range map[string]*string{
		"WARDEN_ADDR":   &c.Address,
		"WARDEN_TOKEN":  &c.Token,
		"WARDEN_ACTOR":  &c.Actor,
		"WARDEN_CACERT": &c.TLSCACert,
	} {
		if v := getenv(key); v != "" {
			*field = v
		}
	}
	return c
}

// saveConfig persists c with owner-only permissions; it holds the admin token.
func saveConfig(c CLIConfig) error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
