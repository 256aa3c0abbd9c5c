package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.maxConnsPerIP", 16)
	v.SetDefault("transport.readTimeout", "120s")
	v.SetDefault("rooms.keyBytes", 32)
	v.SetDefault("rooms.idleExpiry", "30m")
	v.SetDefault("transfer.relayChunkSize", 64*1024)
	v.SetDefault("transfer.p2pChunkSize", 16*1024)
	v.SetDefault("transfer.maxFileSize", int64(2)<<30)
	v.SetDefault("signaling.pollInterval", "500ms")
	v.SetDefault("signaling.timeout", "60s")
	v.SetDefault("link.secret", "default-link-secret-change-me")
	v.SetDefault("link.ttl", "24h")
	v.SetDefault("features.silentMode", false)
	v.SetDefault("logLevel", "info")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("TRANSCRYPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
