package config

import (
	"fmt"
	"time"

	"huddle-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Media     MediaConfig
	Call      CallConfig
	Push      PushConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN renders the pgx connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MediaConfig configures the media routing worker pool
type MediaConfig struct {
	WorkerPoolSize   int
	RoomsPerWorker   int // 0 = unlimited
	UDPPortMin       int
	UDPPortMax       int
	AnnouncedIPs     []string
	ICEServers       []string
	ICEGatherTimeout time.Duration
}

// CallConfig configures call lifecycle reconciliation
type CallConfig struct {
	RingTimeout   time.Duration
	EmptyGrace    time.Duration
	SweepInterval time.Duration
}

// PushConfig selects the offline ringing provider
type PushConfig struct {
	Provider          string // mock, fcm, apns
	FirebaseProjectID string
	FirebaseCredsPath string
	APNsKeyPath       string
	APNsKeyID         string
	APNsTeamID        string
	APNsBundleID      string
	APNsProduction    bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// WebSocketConfig bounds the signaling gateway
type WebSocketConfig struct {
	MaxConnections int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8085),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "huddle"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Media: MediaConfig{
			WorkerPoolSize:   env.GetInt("MEDIA_WORKERS", 1),
			RoomsPerWorker:   env.GetInt("MEDIA_ROOMS_PER_WORKER", 100),
			UDPPortMin:       env.GetInt("MEDIA_UDP_PORT_MIN", 40000),
			UDPPortMax:       env.GetInt("MEDIA_UDP_PORT_MAX", 49999),
			AnnouncedIPs:     env.GetStringSlice("MEDIA_ANNOUNCED_IPS", nil),
			ICEServers:       env.GetStringSlice("MEDIA_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			ICEGatherTimeout: env.GetDuration("MEDIA_ICE_GATHER_TIMEOUT", 5*time.Second),
		},
		Call: CallConfig{
			RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			EmptyGrace:    env.GetDuration("CALL_EMPTY_GRACE", 2*time.Minute),
			SweepInterval: env.GetDuration("CALL_SWEEP_INTERVAL", 15*time.Second),
		},
		Push: PushConfig{
			Provider:          env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID: env.GetString("FIREBASE_PROJECT_ID", ""),
			FirebaseCredsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			APNsKeyPath:       env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:         env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:        env.GetString("APNS_TEAM_ID", ""),
			APNsBundleID:      env.GetString("APNS_BUNDLE_ID", ""),
			APNsProduction:    env.GetBool("APNS_PRODUCTION", false),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "huddle-api"),
		},
		WebSocket: WebSocketConfig{
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
			PingInterval:   env.GetDuration("WS_PING_INTERVAL", 30*time.Second),
			WriteTimeout:   env.GetDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/call-service.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Media.WorkerPoolSize < 1 {
		return fmt.Errorf("MEDIA_WORKERS must be at least 1, got %d", c.Media.WorkerPoolSize)
	}
	if c.Media.RoomsPerWorker < 0 {
		return fmt.Errorf("MEDIA_ROOMS_PER_WORKER must not be negative")
	}
	if c.Media.UDPPortMin <= 0 || c.Media.UDPPortMax > 65535 || c.Media.UDPPortMin > c.Media.UDPPortMax {
		return fmt.Errorf("invalid media UDP port range %d-%d", c.Media.UDPPortMin, c.Media.UDPPortMax)
	}

	switch c.Push.Provider {
	case "mock", "fcm", "firebase", "apns":
	default:
		return fmt.Errorf("unknown PUSH_PROVIDER %q", c.Push.Provider)
	}

	if c.Call.RingTimeout <= 0 || c.Call.EmptyGrace <= 0 || c.Call.SweepInterval <= 0 {
		return fmt.Errorf("call timeouts must be positive")
	}

	return nil
}
