// Package config loads node settings: built-in defaults, then an optional
// YAML file, then environment overrides, validated as a whole.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrmesh/pkg/delivery"
	"github.com/ryandielhenn/zephyrmesh/pkg/linkv"
	"github.com/ryandielhenn/zephyrmesh/pkg/node"
)

const (
	BackendService = "service"
	BackendEtcd    = "etcd"
	BackendMemory  = "memory"

	defaultMetricsPort = "9100"
)

var validate = validator.New()

type Config struct {
	GossipInterval time.Duration `yaml:"gossip_interval" validate:"gt=0"`
	// AntiEntropyInterval is the full-state push period; 0 turns it off.
	AntiEntropyInterval time.Duration `yaml:"anti_entropy_interval" validate:"gte=0"`
	KVService           string        `yaml:"kv_service" validate:"required"`
	KVBackend           string        `yaml:"kv_backend" validate:"oneof=service etcd memory"`
	EtcdEndpoints       []string      `yaml:"etcd_endpoints" validate:"dive,required"`
	EtcdPrefix          string        `yaml:"etcd_prefix"`
	MaxServiceErrors    int           `yaml:"max_service_errors" validate:"gte=1"`
	LogLevel            string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	// MetricsAddr enables the /metrics, /healthz and /info listener when set.
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		GossipInterval:      delivery.DefaultGossipInterval,
		AntiEntropyInterval: node.DefaultAntiEntropyInterval,
		KVService:           linkv.DefaultService,
		KVBackend:           BackendService,
		EtcdEndpoints:       []string{"http://etcd:2379"},
		EtcdPrefix:          "/zephyrmesh/offsets/",
		MaxServiceErrors:    linkv.DefaultMaxServiceErrors,
		LogLevel:            "info",
	}
}

// Load builds the configuration. path may be empty; getenv is usually
// os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if cfg.MetricsAddr != "" {
		cfg.MetricsAddr = NormalizeHostPort(cfg.MetricsAddr, defaultMetricsPort)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, formatValidationError(err)
	}
	if cfg.KVBackend == BackendEtcd && len(cfg.EtcdEndpoints) == 0 {
		return Config{}, errors.New("config: EtcdEndpoints: required for the etcd backend")
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("GOSSIP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: GOSSIP_INTERVAL: %w", err)
		}
		cfg.GossipInterval = d
	}
	if v := getenv("ANTI_ENTROPY_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ANTI_ENTROPY_INTERVAL: %w", err)
		}
		cfg.AntiEntropyInterval = d
	}
	if v := getenv("KV_SERVICE"); v != "" {
		cfg.KVService = v
	}
	if v := getenv("KV_BACKEND"); v != "" {
		cfg.KVBackend = v
	}
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := getenv("ETCD_PREFIX"); v != "" {
		cfg.EtcdPrefix = v
	}
	if v := getenv("MAX_SERVICE_ERRORS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_SERVICE_ERRORS: %w", err)
		}
		cfg.MaxServiceErrors = n
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}
