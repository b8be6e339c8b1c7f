// Package config handles configuration loading and validation for the
// buddymirror storage daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/beegfs/buddymirror/internal/nodes"
	"github.com/beegfs/buddymirror/internal/storage"
	"github.com/beegfs/buddymirror/pkg/bytesize"
	"github.com/beegfs/buddymirror/pkg/proto"
)

// TargetConfig is one storage target served by this node.
type TargetConfig struct {
	ID   proto.TargetID `yaml:"id"`
	Path string         `yaml:"path"`
}

// WorkersConfig sizes the worker pools and the retry scheduler.
type WorkersConfig struct {
	Workers        int           `yaml:"workers"`        // General pool (default: 12)
	DirectWorkers  int           `yaml:"direct_workers"` // Pool for control messages (default: 1)
	QueueSize      int           `yaml:"queue_size"`     // 0 = 64 per worker
	MaxRetries     int           `yaml:"max_retries"`    // 0 = retry until the caller gives up
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// ResyncConfig tunes resync jobs and the background loops around them.
type ResyncConfig struct {
	NumSyncSlaves     int           `yaml:"num_sync_slaves"` // Split evenly between file and dir slaves
	NumGatherSlaves   int           `yaml:"num_gather_slaves"`
	DirPageSize       int           `yaml:"dir_page_size"`
	BlockSize         bytesize.Size `yaml:"block_size"`
	BandwidthLimit    bytesize.Rate `yaml:"bandwidth_limit"` // 0 = unlimited
	RetryInterval     time.Duration `yaml:"retry_interval"`
	SafetyThreshold   time.Duration `yaml:"safety_threshold"`
	NoSafetyThreshold bool          `yaml:"no_safety_threshold"` // Without an override, resync everything
	MaxWalkDepth      int           `yaml:"max_walk_depth"`
	QueueLimit        int           `yaml:"queue_limit"`
	AutoCheckInterval time.Duration `yaml:"auto_check_interval"`
	BuddyCommInterval time.Duration `yaml:"buddy_comm_interval"`
}

// CommConfig tunes the transport.
type CommConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	AckRetries        int           `yaml:"ack_retries"`
	MaxIdleConns      int           `yaml:"max_idle_conns"` // Per node
	CompressThreshold bytesize.Size `yaml:"compress_threshold"`
}

// Config is the storage daemon configuration.
type Config struct {
	NodeID         proto.NodeID       `yaml:"node_id"`
	Listen         string             `yaml:"listen"`
	DatagramListen string             `yaml:"datagram_listen"`
	MetricsListen  string             `yaml:"metrics_listen"` // Empty disables /metrics
	LogLevel       string             `yaml:"log_level"`
	ClusterFile    string             `yaml:"cluster_file"` // Cluster state shared with the management side
	SyncInterval   time.Duration      `yaml:"sync_interval"`
	Targets        []TargetConfig     `yaml:"targets"`
	BuddyGroups    []nodes.BuddyGroup `yaml:"buddy_groups"` // Used until the first cluster sync
	Workers        WorkersConfig      `yaml:"workers"`
	Resync         ResyncConfig       `yaml:"resync"`
	Comm           CommConfig         `yaml:"comm"`
}

// Default returns a configuration with every default applied and no
// targets.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads the daemon configuration from a YAML file. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NodeID == 0 {
		c.NodeID = 1
	}
	if c.Listen == "" {
		c.Listen = ":8003"
	}
	if c.DatagramListen == "" {
		c.DatagramListen = c.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	c.ClusterFile = expandHome(c.ClusterFile)
	for i := range c.Targets {
		c.Targets[i].Path = expandHome(c.Targets[i].Path)
	}

	w := &c.Workers
	if w.Workers == 0 {
		w.Workers = 12
	}
	if w.DirectWorkers == 0 {
		w.DirectWorkers = 1
	}
	if w.RetryBaseDelay == 0 {
		w.RetryBaseDelay = time.Second
	}
	if w.RetryMaxDelay == 0 {
		w.RetryMaxDelay = 30 * time.Second
	}

	r := &c.Resync
	if r.NumSyncSlaves == 0 {
		r.NumSyncSlaves = 12
	}
	if r.NumGatherSlaves == 0 {
		r.NumGatherSlaves = 6
	}
	if r.DirPageSize == 0 {
		r.DirPageSize = 50
	}
	if r.BlockSize == 0 {
		r.BlockSize = bytesize.Size(bytesize.MB)
	}
	if r.RetryInterval == 0 {
		r.RetryInterval = 5 * time.Second
	}
	if r.SafetyThreshold == 0 && !r.NoSafetyThreshold {
		r.SafetyThreshold = 10 * time.Minute
	}
	if r.MaxWalkDepth == 0 {
		r.MaxWalkDepth = 2
	}
	if r.QueueLimit == 0 {
		r.QueueLimit = 50000
	}
	if r.AutoCheckInterval == 0 {
		r.AutoCheckInterval = 30 * time.Second
	}
	if r.BuddyCommInterval == 0 {
		r.BuddyCommInterval = 60 * time.Second
	}

	m := &c.Comm
	if m.DialTimeout == 0 {
		m.DialTimeout = 5 * time.Second
	}
	if m.RequestTimeout == 0 {
		m.RequestTimeout = 30 * time.Second
	}
	if m.AckTimeout == 0 {
		m.AckTimeout = 3 * time.Second
	}
	if m.AckRetries == 0 {
		m.AckRetries = 3
	}
	if m.MaxIdleConns == 0 {
		m.MaxIdleConns = 8
	}
	if m.CompressThreshold == 0 {
		m.CompressThreshold = bytesize.Size(4 * bytesize.KB)
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}

	seen := make(map[proto.TargetID]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.ID == 0 {
			return fmt.Errorf("targets[%d]: id 0 is reserved", i)
		}
		if t.Path == "" {
			return fmt.Errorf("targets[%d]: path is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("targets[%d]: duplicate target id %d", i, t.ID)
		}
		seen[t.ID] = true
	}

	// BuddyGroupMapper enforces the same rules on every authority sync.
	groups := nodes.NewBuddyGroupMapper()
	if err := groups.SyncFromAuthority(c.BuddyGroups); err != nil {
		return fmt.Errorf("buddy_groups: %w", err)
	}

	switch {
	case c.Workers.Workers < 0, c.Workers.DirectWorkers < 0, c.Workers.QueueSize < 0:
		return fmt.Errorf("workers: pool sizes must not be negative")
	case c.Workers.MaxRetries < 0:
		return fmt.Errorf("workers.max_retries must not be negative")
	case c.Resync.NumSyncSlaves < 0, c.Resync.NumGatherSlaves < 0:
		return fmt.Errorf("resync: slave counts must not be negative")
	case c.Resync.DirPageSize < 0:
		return fmt.Errorf("resync.dir_page_size must not be negative")
	case c.Resync.DirPageSize > storage.MaxListNames:
		return fmt.Errorf("resync.dir_page_size must not exceed %d", storage.MaxListNames)
	case c.Resync.BlockSize < bytesize.Size(storage.SparseBlockSize):
		return fmt.Errorf("resync.block_size must be at least %d bytes", storage.SparseBlockSize)
	case c.Resync.BandwidthLimit < 0:
		return fmt.Errorf("resync.bandwidth_limit must not be negative")
	case c.Resync.RetryInterval < 0, c.Resync.SafetyThreshold < 0:
		return fmt.Errorf("resync: durations must not be negative")
	case c.Resync.MaxWalkDepth < 0:
		return fmt.Errorf("resync.max_walk_depth must not be negative")
	case c.Comm.AckRetries < 0:
		return fmt.Errorf("comm.ack_retries must not be negative")
	}
	return nil
}

// TargetPaths maps every configured target to its directory.
func (c *Config) TargetPaths() map[proto.TargetID]string {
	out := make(map[proto.TargetID]string, len(c.Targets))
	for _, t := range c.Targets {
		out[t.ID] = t.Path
	}
	return out
}
