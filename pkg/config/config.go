package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
)

// Config holds the full configuration of a callbridge node.
type Config struct {
	Node      NodeConfig
	HTTP      HTTPConfig
	Signaling SignalingConfig
	Timeouts  TimeoutConfig
	AMQP      AMQPConfig
	Redis     RedisConfig
	Media     MediaConfig
	Logging   LoggingConfig
}

// NodeConfig identifies the local participant this node orchestrates calls for.
type NodeConfig struct {
	// ParticipantID is the opaque identifier of the local participant
	// (patient or doctor account) owning this node's sessions.
	ParticipantID string
}

// HTTPConfig holds the HTTP listener configuration (health, metrics and,
// for the relay binary, the signaling endpoint).
type HTTPConfig struct {
	ListenAddr     string
	MetricsEnabled bool
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// SignalingConfig holds the signaling transport configuration.
type SignalingConfig struct {
	// RelayURL is the WebSocket base URL of the signaling relay,
	// e.g. "ws://localhost:8082/signal".
	RelayURL string

	// ReconnectInterval is the initial backoff between reconnect attempts;
	// it doubles up to ReconnectMax.
	ReconnectInterval time.Duration
	ReconnectMax      time.Duration

	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
}

// TimeoutConfig holds the call flow timer windows. The production values for
// ring and answer windows are deliberately configurable; 45s is the default.
type TimeoutConfig struct {
	// Ring bounds how long an outgoing call waits for remote accept/reject.
	Ring time.Duration

	// Answer bounds how long an incoming call waits for a local decision.
	Answer time.Duration

	// ReconnectGrace is how long a connected call tolerates a media
	// transport interruption before the remote side is declared gone.
	ReconnectGrace time.Duration
}

// AMQPConfig holds the push-wake queue configuration.
type AMQPConfig struct {
	URL       string
	Queue     string
	Reconnect time.Duration
}

// RedisConfig holds the pending-wake pointer store configuration. When
// Address is empty, an in-memory pointer store is used instead.
type RedisConfig struct {
	Address     string
	Password    string
	Database    int
	DialTimeout time.Duration
	PointerTTL  time.Duration
	KeyPrefix   string
}

// MediaConfig holds the WebRTC media engine configuration.
type MediaConfig struct {
	// STUNServers are the ICE server URLs handed to the peer connection.
	STUNServers []string
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Load loads the configuration from environment variables or a .env file.
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	cfg := &Config{
		Node: NodeConfig{
			ParticipantID: getEnv("PARTICIPANT_ID", ""),
		},
		HTTP: HTTPConfig{
			ListenAddr:     getEnv("HTTP_LISTEN_ADDR", ":8082"),
			MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
			ReadTimeout:    getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getEnvDuration("HTTP_WRITE_TIMEOUT", 10*time.Second),
		},
		Signaling: SignalingConfig{
			RelayURL:          getEnv("SIGNALING_RELAY_URL", "ws://localhost:8082/signal"),
			ReconnectInterval: getEnvDuration("SIGNALING_RECONNECT_INTERVAL", 2*time.Second),
			ReconnectMax:      getEnvDuration("SIGNALING_RECONNECT_MAX", 30*time.Second),
			WriteTimeout:      getEnvDuration("SIGNALING_WRITE_TIMEOUT", 5*time.Second),
		},
		Timeouts: TimeoutConfig{
			Ring:           getEnvDuration("CALL_RING_TIMEOUT", 45*time.Second),
			Answer:         getEnvDuration("CALL_ANSWER_TIMEOUT", 45*time.Second),
			ReconnectGrace: getEnvDuration("CALL_RECONNECT_GRACE", 10*time.Second),
		},
		AMQP: AMQPConfig{
			URL:       getEnv("AMQP_URL", ""),
			Queue:     getEnv("AMQP_WAKE_QUEUE", "callbridge.wake"),
			Reconnect: getEnvDuration("AMQP_RECONNECT_INTERVAL", 5*time.Second),
		},
		Redis: RedisConfig{
			Address:     getEnv("REDIS_ADDRESS", ""),
			Password:    getEnv("REDIS_PASSWORD", ""),
			Database:    getEnvInt("REDIS_DATABASE", 0),
			DialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			PointerTTL:  getEnvDuration("REDIS_POINTER_TTL", 2*time.Minute),
			KeyPrefix:   getEnv("REDIS_KEY_PREFIX", "callbridge"),
		},
		Media: MediaConfig{
			STUNServers: getEnvList("MEDIA_STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"participant_id": cfg.Node.ParticipantID,
		"relay_url":      cfg.Signaling.RelayURL,
		"ring_timeout":   cfg.Timeouts.Ring,
		"answer_timeout": cfg.Timeouts.Answer,
	}).Info("Configuration loaded")

	return cfg, nil
}

// Validate checks the configuration for values that would break call flow.
func (c *Config) Validate() error {
	if c.Timeouts.Ring <= 0 {
		return errors.NewInvalidInput("CALL_RING_TIMEOUT must be positive")
	}
	if c.Timeouts.Answer <= 0 {
		return errors.NewInvalidInput("CALL_ANSWER_TIMEOUT must be positive")
	}
	if c.Timeouts.ReconnectGrace < 0 {
		return errors.NewInvalidInput("CALL_RECONNECT_GRACE must not be negative")
	}
	if c.Signaling.RelayURL != "" &&
		!strings.HasPrefix(c.Signaling.RelayURL, "ws://") &&
		!strings.HasPrefix(c.Signaling.RelayURL, "wss://") {
		return errors.NewInvalidInput("SIGNALING_RELAY_URL must be a ws:// or wss:// URL")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return errors.NewInvalidInput("LOG_LEVEL must be a valid logrus level")
	}
	return nil
}

// ConfigureLogger applies the logging configuration to a logrus logger.
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	level, err := logrus.ParseLevel(strings.ToLower(c.Logging.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// loadDotEnv tries the usual .env locations; absence is not an error.
func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}

	candidates := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	for _, envFile := range candidates {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		if loadErr := godotenv.Load(envFile); loadErr == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Debug("Loaded .env file")
			return
		}
	}

	logger.Debug("No .env file found, using environment variables only")
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvList splits a comma-separated environment variable into a slice.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
