package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("", env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GossipInterval != 50*time.Millisecond {
		t.Fatalf("GossipInterval = %v, want 50ms", cfg.GossipInterval)
	}
	if cfg.KVService != "lin-kv" || cfg.KVBackend != BackendService {
		t.Fatalf("kv = %q/%q", cfg.KVService, cfg.KVBackend)
	}
	if cfg.MaxServiceErrors != 3 {
		t.Fatalf("MaxServiceErrors = %d, want 3", cfg.MaxServiceErrors)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("metrics listener on by default: %q", cfg.MetricsAddr)
	}
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	body := "gossip_interval: 20ms\nkv_backend: etcd\netcd_endpoints: [\"a:2379\", \"b:2379\"]\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, env(map[string]string{"LOG_LEVEL": "warn", "METRICS_ADDR": "9200"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GossipInterval != 20*time.Millisecond {
		t.Fatalf("GossipInterval = %v", cfg.GossipInterval)
	}
	if cfg.KVBackend != BackendEtcd || len(cfg.EtcdEndpoints) != 2 {
		t.Fatalf("etcd = %q %v", cfg.KVBackend, cfg.EtcdEndpoints)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env did not override file: LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MetricsAddr != ":9200" {
		t.Fatalf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	cases := map[string]map[string]string{
		"backend":  {"KV_BACKEND": "redis"},
		"level":    {"LOG_LEVEL": "chatty"},
		"errors":   {"MAX_SERVICE_ERRORS": "0"},
		"notint":   {"MAX_SERVICE_ERRORS": "three"},
		"interval": {"GOSSIP_INTERVAL": "soon"},
	}
	for name, vars := range cases {
		if _, err := Load("", env(vars)); err == nil {
			t.Fatalf("%s: Load succeeded", name)
		}
	}
}

func TestEtcdNeedsEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("kv_backend: etcd\netcd_endpoints: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path, env(nil))
	if err == nil || !strings.Contains(err.Error(), "EtcdEndpoints") {
		t.Fatalf("err = %v, want EtcdEndpoints failure", err)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), env(nil)); err == nil {
		t.Fatal("Load succeeded on a missing file")
	}
}

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"http://host:1234": "host:1234",
		"https://host":     "host:9100",
		"9300":             ":9300",
		":9400":            ":9400",
		"localhost":        "localhost:9100",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, "9100"); got != want {
			t.Fatalf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAntiEntropyInterval(t *testing.T) {
	cfg, err := Load("", env(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AntiEntropyInterval != 250*time.Millisecond {
		t.Fatalf("AntiEntropyInterval = %v, want 250ms", cfg.AntiEntropyInterval)
	}

	cfg, err = Load("", env(map[string]string{"ANTI_ENTROPY_INTERVAL": "0s"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AntiEntropyInterval != 0 {
		t.Fatalf("AntiEntropyInterval = %v, want off", cfg.AntiEntropyInterval)
	}

	for _, v := range []string{"later", "-1s"} {
		if _, err := Load("", env(map[string]string{"ANTI_ENTROPY_INTERVAL": v})); err == nil {
			t.Fatalf("%q: Load succeeded", v)
		}
	}
}
