package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("fs.Parse: %v", err)
	}

	store, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := store.Get()
	if cfg.Listen != ":8080" {
		t.Fatalf("Listen = %q, want \":8080\"", cfg.Listen)
	}
	if cfg.Endpoint.WriteQueueSize != 256 {
		t.Fatalf("Endpoint.WriteQueueSize = %d, want 256", cfg.Endpoint.WriteQueueSize)
	}
	if cfg.Endpoint.ConnectionTimeout != 30*time.Second {
		t.Fatalf("Endpoint.ConnectionTimeout = %v, want 30s", cfg.Endpoint.ConnectionTimeout)
	}
	if cfg.Monitor.HTTPListen != ":8081" {
		t.Fatalf("Monitor.HTTPListen = %q, want \":8081\"", cfg.Monitor.HTTPListen)
	}
	if cfg.Export.Enabled {
		t.Fatal("Export.Enabled = true by default")
	}
}

func TestLoadListenFlagOverridesDefault(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse([]string{"--listen", ":9999"}); err != nil {
		t.Fatalf("fs.Parse: %v", err)
	}

	store, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.Get().Listen; got != ":9999" {
		t.Fatalf("Listen = %q, want \":9999\"", got)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "listen: \":7000\"\nexport:\n  enabled: true\n  amqp_uri: \"amqp://x\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse([]string{"--config_file", path}); err != nil {
		t.Fatalf("fs.Parse: %v", err)
	}

	store, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := store.Get()
	if cfg.Listen != ":7000" {
		t.Fatalf("Listen = %q, want \":7000\"", cfg.Listen)
	}
	if !cfg.Export.Enabled || cfg.Export.AMQPURI != "amqp://x" {
		t.Fatalf("Export = %+v, want Enabled=true AMQPURI=\"amqp://x\"", cfg.Export)
	}
}

func TestOnChangeSubscriberReceivesFutureSnapshots(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("fs.Parse: %v", err)
	}
	store, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var got *Config
	store.OnChange(func(cfg *Config) { got = cfg })

	next, err := store.decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	store.notify(next)

	if got != next {
		t.Fatal("OnChange subscriber did not receive the notified snapshot")
	}
}
