package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/poolalloc/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. POOLALLOC_HEAP_MAX_BYTES
const EnvPrefix = "POOLALLOC"

// EnvConfigFile names a YAML file FromEnv loads before applying overrides
const EnvConfigFile = EnvPrefix + "_CONFIG"

// Load reads a YAML configuration file. ${VAR_NAME} references in the file are
// substituted from the environment, then POOLALLOC_* variables override
// individual keys.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path is supplied by the operator
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("file", filePath)
	}

	v := newViper()
	content := substituteEnvVars(string(data))
	if err := v.ReadConfig(bytes.NewReader([]byte(content))); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML").
			WithDetail("file", filePath)
	}
	return decode(v)
}

// FromEnv builds the configuration from defaults, the file named by
// POOLALLOC_CONFIG (if set) and POOLALLOC_* overrides.
func FromEnv() (*Config, error) {
	if path := os.Getenv(EnvConfigFile); path != "" {
		return Load(path)
	}
	return decode(newViper())
}

// Save writes a configuration to a YAML file
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to marshal YAML")
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil { //nolint:gosec
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write config file").
			WithDetail("file", filePath)
	}

	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about
	d := Default()
	v.SetDefault("heap.segment_size", d.Heap.SegmentSize)
	v.SetDefault("heap.max_bytes", d.Heap.MaxBytes)
	v.SetDefault("heap.mmap", d.Heap.Mmap)
	v.SetDefault("heap.pool_threads", d.Heap.PoolThreads)
	v.SetDefault("tracking", d.Tracking)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.development", d.Logging.Development)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are copied verbatim and never expanded again.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
