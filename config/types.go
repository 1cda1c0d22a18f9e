package config

// Storage backends accepted by the daemon.
const (
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"
)

// Journal configures the relational receipt journal. An empty DSN disables it.
type Journal struct {
	DSN string `toml:"DSN" yaml:"dsn"`
}

// Auth controls bearer-token caller authentication on the RPC surface.
type Auth struct {
	Enabled          bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecretEnv    string `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

// RateLimit bounds requests per client address.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

// Observability configures metrics and OTLP export.
type Observability struct {
	Environment    string `toml:"Environment" yaml:"environment"`
	MetricsEnabled bool   `toml:"MetricsEnabled" yaml:"metricsEnabled"`
	OTLPEndpoint   string `toml:"OTLPEndpoint" yaml:"otlpEndpoint"`
	OTLPInsecure   bool   `toml:"OTLPInsecure" yaml:"otlpInsecure"`
	Traces         bool   `toml:"Traces" yaml:"traces"`
}

// Logging configures the structured logger and optional file rotation.
type Logging struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
}
