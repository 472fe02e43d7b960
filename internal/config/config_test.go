package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterName != "default" {
		t.Errorf("ClusterName = %q, want default", cfg.ClusterName)
	}
	if cfg.CoordinationRoot != "/needlestack" {
		t.Errorf("CoordinationRoot = %q, want /needlestack", cfg.CoordinationRoot)
	}
	if cfg.ServicerPort != 50051 {
		t.Errorf("ServicerPort = %d, want 50051", cfg.ServicerPort)
	}
	if cfg.SessionTimeout != 10*time.Second {
		t.Errorf("SessionTimeout = %v, want 10s", cfg.SessionTimeout)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("CLUSTER_NAME", "prod")
	t.Setenv("SERVICER_PORT", "9000")
	t.Setenv("COORDINATION_HOSTS", "zk1:2181,zk2:2181")
	t.Setenv("MUTUAL_TLS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterName != "prod" {
		t.Errorf("ClusterName = %q, want prod", cfg.ClusterName)
	}
	if cfg.ServicerPort != 9000 {
		t.Errorf("ServicerPort = %d, want 9000", cfg.ServicerPort)
	}
	if len(cfg.CoordinationHosts) != 2 {
		t.Fatalf("CoordinationHosts = %v, want 2 entries", cfg.CoordinationHosts)
	}
	if !cfg.MutualTLS {
		t.Error("expected MutualTLS=true")
	}
}

func TestLoadRejectsInvalidInt(t *testing.T) {
	t.Setenv("SERVICER_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid SERVICER_PORT")
	}
}

func TestHostportFormatsHostAndPort(t *testing.T) {
	cfg := Config{Hostname: "n1", ServicerPort: 50051}
	if got, want := cfg.Hostport(), "n1:50051"; got != want {
		t.Errorf("Hostport() = %q, want %q", got, want)
	}
}
