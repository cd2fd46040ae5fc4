// Package config loads and live-reloads server configuration with
// spf13/viper, watching the config file with fsnotify the way the
// teacher's mesh config watcher reacts to its ConfigMap/file changing
// (pilot/pkg/bootstrap/mesh.go's initMeshConfiguration), generalized from
// istio's MeshConfig proto to a flat options struct bound by viper.
package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
)

// Options holds every recognized server option (spec.md §6 and SPEC_FULL.md
// §2's Configuration item).
type Options struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	MaxGlobalConnections int `mapstructure:"max_global_connections"`
	MaxConnectionsPerIP  int `mapstructure:"max_connections_per_ip"`
	MaxDocumentIDLen     int `mapstructure:"max_document_id_len"`
	MaxMessageBytes      int `mapstructure:"max_message_bytes"`

	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BatchWindow       time.Duration `mapstructure:"batch_window"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	AckMaxRetries     int           `mapstructure:"ack_max_retries"`

	AwarenessStaleAfter   time.Duration `mapstructure:"awareness_stale_after"`
	AwarenessReapInterval time.Duration `mapstructure:"awareness_reap_interval"`

	MaxResidentDocuments int `mapstructure:"max_resident_documents"`

	AuthDisabled bool `mapstructure:"auth_disabled"`

	// MaintenanceInterval, when non-zero, enables a periodic background
	// sweep (cmd/syncmesh-server) that invokes storage.Adapter.Cleanup with
	// the retention settings below. Zero (the default) disables it: the
	// spec leaves delta-log/session retention unspecified, so a deployment
	// opts in explicitly rather than having data pruned by default.
	MaintenanceInterval     time.Duration `mapstructure:"maintenance_interval"`
	SessionRetention        time.Duration `mapstructure:"session_retention"`
	DeltaRetention          time.Duration `mapstructure:"delta_retention"`
	SnapshotRetention       time.Duration `mapstructure:"snapshot_retention"`
	MaxSnapshotsPerDocument int           `mapstructure:"max_snapshots_per_document"`
}

// Defaults returns the option set used when no config file or flag
// overrides a value.
func Defaults() Options {
	return Options{
		ListenAddr:            ":8443",
		MetricsAddr:           ":9090",
		MaxGlobalConnections:  10000,
		MaxConnectionsPerIP:   50,
		MaxDocumentIDLen:      256,
		MaxMessageBytes:       1 << 20,
		RateLimitPerSecond:    20,
		RateLimitBurst:        40,
		HeartbeatInterval:     30 * time.Second,
		BatchWindow:           50 * time.Millisecond,
		AckTimeout:            5 * time.Second,
		AckMaxRetries:         3,
		AwarenessStaleAfter:   30 * time.Second,
		AwarenessReapInterval: 30 * time.Second,
		MaxResidentDocuments:  1024,
		AuthDisabled:          false,

		MaintenanceInterval:     0,
		SessionRetention:        24 * time.Hour,
		DeltaRetention:          0,
		SnapshotRetention:       0,
		MaxSnapshotsPerDocument: 3,
	}
}

// Loader wraps a viper instance bound to Defaults, a config file, and the
// environment, with an optional live-reload watch.
type Loader struct {
	v *viper.Viper

	mu  sync.RWMutex
	cur Options

	onChange func(Options)
}

// NewLoader constructs a Loader. configPath may be empty, in which case
// only defaults and environment variables apply.
func NewLoader(configPath string, onChange func(Options)) (*Loader, error) {
	v := viper.New()
	setDefaults(v, Defaults())
	v.SetEnvPrefix("SYNCMESH")
	v.AutomaticEnv()

	l := &Loader{v: v, onChange: onChange}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	opts, err := decode(v)
	if err != nil {
		return nil, err
	}
	l.cur = opts

	if configPath != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			synclog.Server.Infof("config file %s changed, reloading", e.Name)
			opts, err := decode(v)
			if err != nil {
				synclog.Server.Errorf("config: reload failed, keeping previous options: %v", err)
				return
			}
			l.mu.Lock()
			l.cur = opts
			l.mu.Unlock()
			if l.onChange != nil {
				l.onChange(opts)
			}
		})
		v.WatchConfig()
	}

	return l, nil
}

func setDefaults(v *viper.Viper, d Options) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("max_global_connections", d.MaxGlobalConnections)
	v.SetDefault("max_connections_per_ip", d.MaxConnectionsPerIP)
	v.SetDefault("max_document_id_len", d.MaxDocumentIDLen)
	v.SetDefault("max_message_bytes", d.MaxMessageBytes)
	v.SetDefault("rate_limit_per_second", d.RateLimitPerSecond)
	v.SetDefault("rate_limit_burst", d.RateLimitBurst)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("batch_window", d.BatchWindow)
	v.SetDefault("ack_timeout", d.AckTimeout)
	v.SetDefault("ack_max_retries", d.AckMaxRetries)
	v.SetDefault("awareness_stale_after", d.AwarenessStaleAfter)
	v.SetDefault("awareness_reap_interval", d.AwarenessReapInterval)
	v.SetDefault("max_resident_documents", d.MaxResidentDocuments)
	v.SetDefault("auth_disabled", d.AuthDisabled)
	v.SetDefault("maintenance_interval", d.MaintenanceInterval)
	v.SetDefault("session_retention", d.SessionRetention)
	v.SetDefault("delta_retention", d.DeltaRetention)
	v.SetDefault("snapshot_retention", d.SnapshotRetention)
	v.SetDefault("max_snapshots_per_document", d.MaxSnapshotsPerDocument)
}

func decode(v *viper.Viper) (Options, error) {
	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("config: decode: %w", err)
	}
	return opts, nil
}

// Current returns the most recently loaded options, safe for concurrent
// use while a watch is active.
func (l *Loader) Current() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cur
}
