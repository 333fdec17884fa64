// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration holds all service configuration, grouped by concern.
type Configuration struct {
	Service       ServiceConfig
	Provider      ProviderConfig
	Audio         AudioConfig
	Endpointing   EndpointingConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds service identity and listener settings.
type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	MetricsPort string
}

// ProviderConfig holds the streaming recognition provider settings.
// APIKey may legitimately be empty; session creation fails with a
// config error when it is.
type ProviderConfig struct {
	APIKey           string
	TokenURL         string
	StreamURL        string
	ConnectTimeout   time.Duration
	ExpectedSpeakers int // 0 = unlimited auto-detection
}

// AudioConfig holds the fixed audio parameters sent to the provider.
// These are service-level settings, not client-configurable.
type AudioConfig struct {
	SampleRateHz int
	Encoding     string
}

// EndpointingConfig holds the provider's turn-detection tuning knobs.
type EndpointingConfig struct {
	EndOfTurnConfidence float64
	MinEndOfTurnSilence time.Duration
	MaxTurnSilence      time.Duration
}

// KafkaConfig holds transcript event publishing settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
	Principal    string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string
	Environment string
}

// Load reads configuration from environment variables, falling back to
// defaults for unset or unparseable values.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-live-transcribe")

	return &Configuration{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Provider: ProviderConfig{
			APIKey:           os.Getenv("PROVIDER_API_KEY"),
			TokenURL:         envOrDefault("PROVIDER_TOKEN_URL", "https://streaming.assemblyai.com/v3/token"),
			StreamURL:        envOrDefault("PROVIDER_STREAM_URL", "wss://streaming.assemblyai.com/v3/ws"),
			ConnectTimeout:   envOrDefaultDuration("PROVIDER_CONNECT_TIMEOUT", 10*time.Second),
			ExpectedSpeakers: envOrDefaultInt("EXPECTED_SPEAKERS", 0),
		},
		Audio: AudioConfig{
			SampleRateHz: envOrDefaultInt("AUDIO_SAMPLE_RATE_HZ", 16000),
			Encoding:     envOrDefault("AUDIO_ENCODING", "pcm_s16le"),
		},
		Endpointing: EndpointingConfig{
			EndOfTurnConfidence: envOrDefaultFloat("ENDPOINT_EOT_CONFIDENCE", 0.7),
			MinEndOfTurnSilence: envOrDefaultDuration("ENDPOINT_MIN_SILENCE", 160*time.Millisecond),
			MaxTurnSilence:      envOrDefaultDuration("ENDPOINT_MAX_SILENCE", 2400*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled:      envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:      envOrDefaultList("KAFKA_BROKERS", nil),
			TopicPartial: envOrDefault("KAFKA_TOPIC_PARTIAL", "meeting.transcript.partial"),
			TopicFinal:   envOrDefault("KAFKA_TOPIC_FINAL", "meeting.transcript.final"),
			Principal:    envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			Environment: envOrDefault("ENV", ""),
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
