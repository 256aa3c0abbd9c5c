package config

import "time"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Rooms     RoomsConfig     `mapstructure:"rooms"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Link      LinkConfig      `mapstructure:"link"`
	Features  FeaturesConfig  `mapstructure:"features"`
	LogLevel  string          `mapstructure:"logLevel"`
}

type ServerConfig struct {
	Address       string `mapstructure:"address"`
	MaxConnsPerIP int    `mapstructure:"maxConnsPerIP"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RoomsConfig struct {
	// KeyBytes is the entropy of generated secret keys, before encoding.
	KeyBytes   int           `mapstructure:"keyBytes"`
	IdleExpiry time.Duration `mapstructure:"idleExpiry"`
}

type TransferConfig struct {
	RelayChunkSize int   `mapstructure:"relayChunkSize"`
	P2PChunkSize   int   `mapstructure:"p2pChunkSize"`
	MaxFileSize    int64 `mapstructure:"maxFileSize"`
}

type SignalingConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// LinkConfig controls the signed invitation links produced by the
// email issuance flow.
type LinkConfig struct {
	Secret string        `mapstructure:"secret"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// FeaturesConfig gates the out-of-band key distribution collaborators.
// The core relay/transfer path never consults these flags.
type FeaturesConfig struct {
	SilentMode bool `mapstructure:"silentMode"`
	TextStego  bool `mapstructure:"textStego"`
	ImageStego bool `mapstructure:"imageStego"`
	Email      bool `mapstructure:"email"`
	FaceAuth   bool `mapstructure:"faceAuth"`
}
