// Package cfg defines the configuration surface for the filesystem core:
// remote endpoint, connection pool sizing, block size, TTLs, and feature
// toggles, bound to CLI flags, IRODSFS_-prefixed environment variables, and
// an optional YAML file via spf13/viper.
package cfg

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved, validated set of tunables consumed by every
// internal package. It is constructed once at startup by Load and passed
// down to component constructors - no package reads viper or the
// environment directly.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Pool      PoolConfig      `yaml:"pool" mapstructure:"pool"`
	Block     BlockConfig     `yaml:"block" mapstructure:"block"`
	Preload   PreloadConfig   `yaml:"preload" mapstructure:"preload"`
	Metadata  MetadataConfig  `yaml:"metadata" mapstructure:"metadata"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	RateLimit RateLimitConfig `yaml:"rate-limit" mapstructure:"rate-limit"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

type RemoteConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Zone     string `yaml:"zone" mapstructure:"zone"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
}

type PoolConfig struct {
	MaxConn              int  `yaml:"max-conn" mapstructure:"max-conn"`
	ConnReuse            bool `yaml:"conn-reuse" mapstructure:"conn-reuse"`
	ConnTimeoutSec       int  `yaml:"conn-timeout-sec" mapstructure:"conn-timeout-sec"`
	ConnKeepAliveSec     int  `yaml:"conn-keep-alive-sec" mapstructure:"conn-keep-alive-sec"`
	ConnCheckIntervalSec int  `yaml:"conn-check-interval-sec" mapstructure:"conn-check-interval-sec"`
	RodsAPITimeoutSec    int  `yaml:"rodsapi-timeout-sec" mapstructure:"rodsapi-timeout-sec"`
}

type BlockConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	BlockSize int  `yaml:"block-size" mapstructure:"block-size"`
}

type PreloadConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	NumThreads int  `yaml:"num-threads" mapstructure:"num-threads"`
	NumBlocks  int  `yaml:"num-blocks" mapstructure:"num-blocks"`
}

type MetadataConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSec int  `yaml:"timeout-sec" mapstructure:"timeout-sec"`
}

type LoggingConfig struct {
	Format    string          `yaml:"format" mapstructure:"format"`
	Severity  string          `yaml:"severity" mapstructure:"severity"`
	FilePath  string          `yaml:"file-path" mapstructure:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

type RateLimitConfig struct {
	OpRateLimitHz float64 `yaml:"op-rate-limit-hz" mapstructure:"op-rate-limit-hz"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	ListenAddr string `yaml:"listen-addr" mapstructure:"listen-addr"`
}

const (
	maxConnCap           = 10
	maxPreloadBlocksCap  = 10
	maxPreloadThreadsCap = 10
)

// BindFlags registers the options above on flagSet and binds them through
// viper, in the same style as the teacher's cfg.BindFlags. The remote
// password and the log-rotate settings have no flag and are not bound here.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("remote-host", "localhost", "remote catalog/resource server host")
	flagSet.Int("remote-port", 1247, "remote catalog/resource server port")
	flagSet.String("remote-zone", "", "remote zone name")
	flagSet.String("remote-user", "", "remote user name")

	flagSet.Int("max-conn", 10, "maximum concurrent connections")
	flagSet.Bool("conn-reuse", true, "permit short-op connections to be shared")
	flagSet.Int("conn-timeout-sec", 300, "idle connection close threshold, seconds")
	flagSet.Int("conn-keep-alive-sec", 180, "idle connection keepalive threshold, seconds")
	flagSet.Int("conn-check-interval-sec", 10, "connection reaper cadence, seconds")
	flagSet.Int("rodsapi-timeout-sec", 90, "per-RPC timeout, seconds")

	flagSet.Bool("buffered-fs", true, "enable the block buffer cache layer")
	flagSet.Int("blocksize", 65536, "block size in bytes")

	flagSet.Bool("preload", true, "enable the read-ahead preloader")
	flagSet.Int("preload-num-threads", 3, "preload worker threads per open file (max 10)")
	flagSet.Int("preload-num-blocks", 3, "preload read-ahead depth in blocks (max 10)")

	flagSet.Bool("cache-metadata", true, "enable the attribute/directory metadata cache")
	flagSet.Int("metadata-cache-timeout-sec", 180, "metadata cache TTL, seconds")

	flagSet.Float64("op-rate-limit-hz", 0, "RPC facade operation rate limit, 0 disables limiting")

	flagSet.Bool("metrics", false, "expose a Prometheus metrics endpoint")
	flagSet.String("metrics-listen-addr", "127.0.0.1:9100", "metrics endpoint listen address")

	flagSet.String("log-format", "text", "log format: text or json")
	flagSet.String("log-severity", "INFO", "minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR")
	flagSet.String("log-file", "", "log file path, empty logs to stderr")

	bindings := [][2]string{
		{"remote.host", "remote-host"}, {"remote.port", "remote-port"},
		{"remote.zone", "remote-zone"}, {"remote.user", "remote-user"},
		{"pool.max-conn", "max-conn"}, {"pool.conn-reuse", "conn-reuse"},
		{"pool.conn-timeout-sec", "conn-timeout-sec"},
		{"pool.conn-keep-alive-sec", "conn-keep-alive-sec"},
		{"pool.conn-check-interval-sec", "conn-check-interval-sec"},
		{"pool.rodsapi-timeout-sec", "rodsapi-timeout-sec"},
		{"block.enabled", "buffered-fs"}, {"block.block-size", "blocksize"},
		{"preload.enabled", "preload"},
		{"preload.num-threads", "preload-num-threads"},
		{"preload.num-blocks", "preload-num-blocks"},
		{"metadata.enabled", "cache-metadata"},
		{"metadata.timeout-sec", "metadata-cache-timeout-sec"},
		{"rate-limit.op-rate-limit-hz", "op-rate-limit-hz"},
		{"metrics.enabled", "metrics"}, {"metrics.listen-addr", "metrics-listen-addr"},
		{"logging.format", "log-format"}, {"logging.severity", "log-severity"},
		{"logging.file-path", "log-file"},
	}
	for _, pair := range bindings {
		if err := viper.BindPFlag(pair[0], flagSet.Lookup(pair[1])); err != nil {
			return fmt.Errorf("bind flag %s: %w", pair[1], err)
		}
	}

	return nil
}

// Load reads the bound flags/env/file into a Config and validates it.
func Load() (*Config, error) {
	viper.SetEnvPrefix("IRODSFS")
	viper.AutomaticEnv()

	c := Default()
	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate enforces the clamping rules the original implementation applies
// at init time: thread/block counts are capped, and the thread count may
// never exceed the block count.
func (c *Config) Validate() error {
	if c.Pool.MaxConn <= 0 || c.Pool.MaxConn > maxConnCap {
		return fmt.Errorf("pool.max-conn must be in (0, %d], got %d", maxConnCap, c.Pool.MaxConn)
	}
	if c.Block.BlockSize <= 0 {
		return fmt.Errorf("block.block-size must be positive, got %d", c.Block.BlockSize)
	}
	if c.Preload.NumBlocks > maxPreloadBlocksCap {
		c.Preload.NumBlocks = maxPreloadBlocksCap
	}
	if c.Preload.NumThreads > maxPreloadThreadsCap {
		c.Preload.NumThreads = maxPreloadThreadsCap
	}
	if c.Preload.NumThreads > c.Preload.NumBlocks {
		c.Preload.NumThreads = c.Preload.NumBlocks
	}
	if c.Metadata.TimeoutSec < 0 {
		return fmt.Errorf("metadata.timeout-sec must be non-negative, got %d", c.Metadata.TimeoutSec)
	}
	return nil
}
