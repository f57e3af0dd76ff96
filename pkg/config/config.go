package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	Environment    string
	DatabaseDriver string
	DatabasePath   string
	JWTSecret      string
	CORSOrigins    string
	RedisURL       string
	LogLevel       string

	PresenceGrace time.Duration
	TypingTimeout time.Duration
	StoreTimeout  time.Duration
	SendRetries   int

	AIPeerID       int
	AIAPIURL       string
	AIAPIKey       string
	AIModel        string
	AIHistoryLimit int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	StunServers  string
	TurnServer   string
	TurnUsername string
	TurnPassword string
}

// Load reads configuration from the process environment, falling back to an
// env file (NOVACHAT_ENV_FILE, or .env in the working directory) and then to
// defaults. Process variables always win over the file.
func Load() *Config {
	env := loader{file: readEnvFile()}

	return &Config{
		Port:           env.get("PORT", "8080"),
		Environment:    env.get("ENVIRONMENT", "development"),
		DatabaseDriver: env.get("DATABASE_DRIVER", "sqlite3"),
		DatabasePath:   env.get("DATABASE_PATH", "./data/novachat.db"),
		JWTSecret:      env.get("JWT_SECRET", "your-secret-key-change-in-production"),
		CORSOrigins:    env.get("CORS_ORIGINS", "*"),
		RedisURL:       env.get("REDIS_URL", ""),
		LogLevel:       env.get("LOG_LEVEL", "info"),

		PresenceGrace: env.getDuration("PRESENCE_GRACE", 0),
		TypingTimeout: env.getDuration("TYPING_TIMEOUT", time.Second),
		StoreTimeout:  env.getDuration("STORE_TIMEOUT", 5*time.Second),
		SendRetries:   env.getInt("SEND_RETRIES", 3),

		AIPeerID:       env.getInt("AI_PEER_ID", 0),
		AIAPIURL:       env.get("AI_API_URL", "https://api.openai.com/v1/chat/completions"),
		AIAPIKey:       env.get("AI_API_KEY", ""),
		AIModel:        env.get("AI_MODEL", "gpt-4o-mini"),
		AIHistoryLimit: env.getInt("AI_HISTORY_LIMIT", 20),

		VAPIDPublicKey:  env.get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: env.get("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber: env.get("VAPID_SUBSCRIBER", "mailto:admin@novachat.local"),

		StunServers:  env.get("STUN_SERVERS", "stun:stun.l.google.com:19302"),
		TurnServer:   env.get("TURN_SERVER", ""),
		TurnUsername: env.get("TURN_USERNAME", ""),
		TurnPassword: env.get("TURN_PASSWORD", ""),
	}
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func readEnvFile() map[string]string {
	path, explicit := os.LookupEnv("NOVACHAT_ENV_FILE")
	if !explicit {
		path = ".env"
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return values
}

type loader struct {
	file map[string]string
}

func (l loader) get(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if value, exists := l.file[key]; exists {
		return value
	}
	return defaultValue
}

func (l loader) getInt(key string, defaultValue int) int {
	val, err := strconv.Atoi(l.get(key, ""))
	if err != nil {
		return defaultValue
	}
	return val
}

func (l loader) getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := l.get(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// Bare numbers are milliseconds.
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
