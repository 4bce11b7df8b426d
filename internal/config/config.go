// Package config loads the registry configuration from YAML with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wilsonvolker/sofa-registry/internal/slot"
)

// Node identifies this process.
type Node struct {
	IP         string `yaml:"ip"`
	DataCenter string `yaml:"data_center"`
	DataDir    string `yaml:"data_dir"`
}

// Executor sizes one keyed executor.
type Executor struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// Data configures the data tier.
type Data struct {
	SlotCount                          int      `yaml:"slot_count"`
	SlotLeaderSyncSessionIntervalSecs  int      `yaml:"slot_leader_sync_session_interval_secs"`
	SlotFollowerSyncLeaderIntervalSecs int      `yaml:"slot_follower_sync_leader_interval_secs"`
	SessionLeaseTTLSecs                int      `yaml:"session_lease_ttl_secs"`
	SyncPageSize                       int      `yaml:"sync_page_size"`
	SlotTableRetain                    int      `yaml:"slot_table_retain"`
	MigrateSessionExecutor             Executor `yaml:"migrate_session_executor"`
	SyncSessionExecutor                Executor `yaml:"sync_session_executor"`
	SyncLeaderExecutor                 Executor `yaml:"sync_leader_executor"`
}

// Session configures the session tier.
type Session struct {
	StopPushSwitch bool     `yaml:"stop_push_switch"`
	PushRetryMax   int      `yaml:"push_retry_max"`
	PushExpireMs   int      `yaml:"push_expire_ms"`
	PushExecutor   Executor `yaml:"push_executor"`
}

// Config is the full configuration snapshot taken at startup.
type Config struct {
	Node        Node    `yaml:"node"`
	Data        Data    `yaml:"data"`
	Session     Session `yaml:"session"`
	MetricsAddr string  `yaml:"metrics_addr"`
	LogLevel    string  `yaml:"log_level"`
}

// Default returns the configuration with every field at its default.
func Default() *Config {
	return &Config{
		Node: Node{
			IP:         "127.0.0.1",
			DataCenter: "DefaultDataCenter",
			DataDir:    "./data",
		},
		Data: Data{
			SlotCount:                          slot.DefaultSlotCount,
			SlotLeaderSyncSessionIntervalSecs:  6,
			SlotFollowerSyncLeaderIntervalSecs: 3,
			SessionLeaseTTLSecs:                30,
			SyncPageSize:                       512,
			SlotTableRetain:                    64,
			MigrateSessionExecutor:             Executor{Workers: 4, QueueSize: 128},
			SyncSessionExecutor:                Executor{Workers: 6, QueueSize: 512},
			SyncLeaderExecutor:                 Executor{Workers: 4, QueueSize: 256},
		},
		Session: Session{
			StopPushSwitch: false,
			PushRetryMax:   3,
			PushExpireMs:   500,
			PushExecutor:   Executor{Workers: 6, QueueSize: 4000},
		},
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LeaderSyncSessionInterval is the steady-state leader-to-session sync period.
func (d Data) LeaderSyncSessionInterval() time.Duration {
	return time.Duration(d.SlotLeaderSyncSessionIntervalSecs) * time.Second
}

// FollowerSyncLeaderInterval is the follower-to-leader sync period.
func (d Data) FollowerSyncLeaderInterval() time.Duration {
	return time.Duration(d.SlotFollowerSyncLeaderIntervalSecs) * time.Second
}

// SessionLeaseTTL is how long a session stays live without a heartbeat.
func (d Data) SessionLeaseTTL() time.Duration {
	return time.Duration(d.SessionLeaseTTLSecs) * time.Second
}

// PushExpire is how long a pending push may wait before the watchdog commits it.
func (s Session) PushExpire() time.Duration {
	return time.Duration(s.PushExpireMs) * time.Millisecond
}
