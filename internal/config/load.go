package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads a JSON configuration file and merges it over Default.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses JSON configuration data over Default after environment
// variable substitution.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	data = substituteEnvVars(data)
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Namespaces == nil {
		cfg.Namespaces = map[string]NamespaceConfig{}
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func substituteEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		content := string(match[2 : len(match)-1])
		if idx := strings.Index(content, ":-"); idx != -1 {
			if val := os.Getenv(content[:idx]); val != "" {
				return []byte(val)
			}
			return []byte(content[idx+2:])
		}
		return []byte(os.Getenv(content))
	})
}

// ApplyEnv overrides node identity and log level from REPLICORE_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("REPLICORE_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("REPLICORE_LISTEN"); v != "" {
		c.Node.Listen = v
	}
	if v := os.Getenv("REPLICORE_SEED"); v != "" {
		c.Node.Seed = v
	}
	if v := os.Getenv("REPLICORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ParsePeers parses "id=addr,id=addr" as given on the command line.
func ParsePeers(s string) ([]PeerConfig, error) {
	var peers []PeerConfig
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, addr, ok := strings.Cut(part, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=host:port", part)
		}
		peers = append(peers, PeerConfig{ID: strings.TrimSpace(id), Address: strings.TrimSpace(addr)})
	}
	return peers, nil
}
