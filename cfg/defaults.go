package cfg

// Default returns a Config populated with the same defaults BindFlags
// registers, for callers that construct a Config without going through
// viper (tests, the legacy single-binary invocation).
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{Host: "localhost", Port: 1247},
		Pool: PoolConfig{
			MaxConn:              10,
			ConnReuse:            true,
			ConnTimeoutSec:       300,
			ConnKeepAliveSec:     180,
			ConnCheckIntervalSec: 10,
			RodsAPITimeoutSec:    90,
		},
		Block: BlockConfig{Enabled: true, BlockSize: 65536},
		Preload: PreloadConfig{
			Enabled:    true,
			NumThreads: 3,
			NumBlocks:  3,
		},
		Metadata: MetadataConfig{Enabled: true, TimeoutSec: 180},
		Logging:  GetDefaultLoggingConfig(),
		Metrics:  MetricsConfig{Enabled: false, ListenAddr: "127.0.0.1:9100"},
	}
}

// GetDefaultLoggingConfig mirrors the teacher's cfg.GetDefaultLoggingConfig.
func GetDefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Format:   "text",
		Severity: "INFO",
		LogRotate: LogRotateConfig{
			MaxFileSizeMB:   100,
			BackupFileCount: 5,
			Compress:        true,
		},
	}
}
