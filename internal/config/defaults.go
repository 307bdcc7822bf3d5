package config

import "time"

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8088,
			MaxBodySize: 1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Path: "~/.chatrelay/chatrelay.db",
		},
		Session: SessionConfig{
			HistoryLimit:  50,
			CacheTTL:      30 * time.Minute,
			IdleTimeout:   2 * time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Backend:       "sqlite",
			Workers:       2,
			RetryBase:     time.Second,
			RetryMax:      5 * time.Minute,
			MaxRetryCount: 3,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "chatrelay:",
			},
		},
		Routing: RoutingConfig{
			Workers:    4,
			BusBuffer:  256,
			DedupeTTL:  10 * time.Minute,
			DedupeSize: 10000,
		},
		Gateway: GatewayConfig{
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Responder: ResponderConfig{
			Mode:    "echo",
			Timeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Providers: map[string]ProviderConfig{
			"webhook": {
				DisplayName:   "Generic Webhook",
				Enabled:       false,
				MaxRetryCount: 3,
			},
		},
	}
}
