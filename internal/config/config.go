// Package config loads Needlestack's process configuration from the
// environment, per spec §6's configuration table. It generalizes the
// teacher's cmd/coordinator getenv(key, def) helper into a single
// strongly-typed Config struct populated once at process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the flat set of environment-derived settings shared by
// cmd/searcher and cmd/merger.
type Config struct {
	ClusterName      string
	CoordinationRoot string
	CoordinationHosts []string
	Hostname         string
	ServicerPort     int
	MaxWorkers       int
	MutualTLS        bool
	SSLCertFile      string
	SSLKeyFile       string
	SSLCAFile        string
	SessionTimeout   time.Duration
	LogLevel         string
}

// Load reads Config from the environment, applying the defaults spec §6
// documents where a key is absent.
func Load() (Config, error) {
	cfg := Config{
		ClusterName:      getenv("CLUSTER_NAME", "default"),
		CoordinationRoot: getenv("COORDINATION_ROOT", "/needlestack"),
		Hostname:         getenv("HOSTNAME", "localhost"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
	}

	hosts, err := getenvCSV("COORDINATION_HOSTS")
	if err != nil {
		return Config{}, err
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost:2181"}
	}
	cfg.CoordinationHosts = hosts

	port, err := getenvInt("SERVICER_PORT", 50051)
	if err != nil {
		return Config{}, err
	}
	cfg.ServicerPort = port

	maxWorkers, err := getenvInt("MAX_WORKERS", 16)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxWorkers = maxWorkers

	mutualTLS, err := getenvBool("MUTUAL_TLS", false)
	if err != nil {
		return Config{}, err
	}
	cfg.MutualTLS = mutualTLS
	cfg.SSLCertFile = getenv("SSL_CERT_FILE", "")
	cfg.SSLKeyFile = getenv("SSL_KEY_FILE", "")
	cfg.SSLCAFile = getenv("SSL_CA_FILE", "")

	timeoutSeconds, err := getenvInt("COORDINATION_SESSION_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeout = time.Duration(timeoutSeconds) * time.Second

	return cfg, nil
}

// Hostport is this process's own identity string, used for live-node
// registration and replica identity (spec §3: "identity is hostport").
func (c Config) Hostport() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.ServicerPort)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a valid integer: %w", key, v, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q is not a valid bool: %w", key, v, err)
	}
	return b, nil
}

func getenvCSV(key string) ([]string, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out, nil
}
