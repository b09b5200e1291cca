// Package config holds the explicit configuration threaded through every
// component constructor. A single process-wide init populates one of these
// structs from flags and environment overrides before the servers start.
package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable overrides honored by clients and daemons.
const (
	EnvHostAddr  = "KOHAKU_HOST_ADDR"
	EnvHostPort  = "KOHAKU_HOST_PORT"
	EnvSharedDir = "KOHAKU_SHARED_DIR"
)

// Defaults shared between host and runner.
const (
	DefaultHostPort      = 8000
	DefaultRunnerPort    = 8001
	DefaultSSHProxyPort  = 8002
	DefaultHeartbeatSecs = 5
	DefaultTimeoutFactor = 6
)

// HostConfig configures the host orchestrator process.
type HostConfig struct {
	ListenAddr   string
	Port         int
	SSHProxyPort int
	DataDir      string
	SharedDir    string

	HeartbeatInterval time.Duration
	TimeoutFactor     int

	// Overlay plan. Empty CIDR disables the overlay.
	OverlayCIDR    string
	SubnetBits     int // prefix length of per-runner subnets, e.g. 24
	VXLANBaseID    int
	IPReserveTTL   time.Duration
	TokenSecret    string // HMAC key for IP reservation tokens
	AdminSecret    string // value of the admin-secret header, empty disables
	SessionTTL     time.Duration
	SuspicionLimit int
}

// RunnerConfig configures a runner agent process.
type RunnerConfig struct {
	Hostname   string
	HostURL    string
	ListenAddr string
	Port       int
	DataDir    string
	SharedDir  string
	LocalTemp  string

	HeartbeatInterval time.Duration

	VMImageDir    string
	VMInstanceDir string
	NumaBinder    string // numactl-compatible wrapper path

	SnapshotRetention   int
	AutoSnapshotOnStop  bool
	AutoRestoreOnCreate bool

	Version string
}

// DefaultHost returns a HostConfig with defaults and env overrides applied.
func DefaultHost() *HostConfig {
	cfg := &HostConfig{
		ListenAddr:        "0.0.0.0",
		Port:              DefaultHostPort,
		SSHProxyPort:      DefaultSSHProxyPort,
		DataDir:           "/var/lib/kohakuriver",
		SharedDir:         "/mnt/kohakuriver",
		HeartbeatInterval: DefaultHeartbeatSecs * time.Second,
		TimeoutFactor:     DefaultTimeoutFactor,
		SubnetBits:        24,
		VXLANBaseID:       4200,
		IPReserveTTL:      5 * time.Minute,
		SessionTTL:        24 * time.Hour,
		SuspicionLimit:    3,
	}
	applyEnv(&cfg.SharedDir, EnvSharedDir)
	applyEnvInt(&cfg.Port, EnvHostPort)
	return cfg
}

// DefaultRunner returns a RunnerConfig with defaults and env overrides applied.
func DefaultRunner(version string) *RunnerConfig {
	hostname, _ := os.Hostname()
	cfg := &RunnerConfig{
		Hostname:            hostname,
		ListenAddr:          "0.0.0.0",
		Port:                DefaultRunnerPort,
		DataDir:             "/var/lib/kohakuriver-runner",
		SharedDir:           "/mnt/kohakuriver",
		LocalTemp:           "/var/lib/kohakuriver-runner/tmp",
		HeartbeatInterval:   DefaultHeartbeatSecs * time.Second,
		VMImageDir:          "/var/lib/kohakuriver-runner/vm-images",
		VMInstanceDir:       "/var/lib/kohakuriver-runner/vm-instances",
		SnapshotRetention:   3,
		AutoSnapshotOnStop:  true,
		AutoRestoreOnCreate: true,
		Version:             version,
	}
	applyEnv(&cfg.SharedDir, EnvSharedDir)
	applyEnv(&cfg.HostURL, EnvHostAddr)
	return cfg
}

// HeartbeatTimeout is how long a runner may stay silent before it is offline.
func (c *HostConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.TimeoutFactor)
}

func applyEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnvInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
