package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file from path, layers environment variable
// overrides on top (env wins), and validates the
// result. A missing file is not an error: Load falls back to Default()
// before applying env overrides, so a node can run from env vars alone.
func Load(path string) (*NodeConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
			if cfg.Version == 0 {
				cfg.Version = 1
			}
			if cfg.Version > CurrentConfigVersion {
				return nil, fmt.Errorf("%w: version %d > supported %d", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
			}
		case os.IsNotExist(err):
			// fine, use defaults + env
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides mutates cfg in place from the documented environment
// variables. Unset variables leave the existing value untouched.
func applyEnvOverrides(cfg *NodeConfig) {
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Network.Bootstrap = splitAndTrim(v)
	}
	if v := firstNonEmpty(os.Getenv("CLUSTER"), os.Getenv("NAMESPACE")); v != "" {
		cfg.Network.Cluster = v
	}
	if v := os.Getenv("SHARD_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.ShardID = n
		}
	}
	if v := os.Getenv("TOTAL_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.TotalShards = n
		}
	}
	if v := os.Getenv("TOTAL_LAYERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.TotalLayers = n
		}
	}
	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.Pipeline.ModelName = v
	}
	if v := os.Getenv("SHARDS_DIR"); v != "" {
		cfg.Pipeline.ShardsDir = v
	}
	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Network.Transport = v
	}
	if v := os.Getenv("REFRESH_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.RefreshInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("STRICT_DISTRIBUTED"); v != "" {
		cfg.Pipeline.StrictDistributed = isTruthy(v)
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks that required pipeline dimensions are internally
// consistent. It does not require network reachability.
func Validate(cfg *NodeConfig) error {
	if cfg.Pipeline.TotalShards > 0 && cfg.Pipeline.ShardID >= cfg.Pipeline.TotalShards {
		return fmt.Errorf("shard_id %d out of range for total_shards %d", cfg.Pipeline.ShardID, cfg.Pipeline.TotalShards)
	}
	switch cfg.Network.Transport {
	case "quic", "tcp", "dual", "":
	default:
		return fmt.Errorf("unknown transport %q: must be quic, tcp, or dual", cfg.Network.Transport)
	}
	w := cfg.Selector.Weights
	if w != (ScoreWeights{}) {
		sum := w.CPU + w.Memory + w.Disk + w.Latency + w.Reputation
		if sum < 0.99 || sum > 1.01 {
			return fmt.Errorf("selector weights must sum to 1.0, got %.4f", sum)
		}
	}
	return nil
}
