package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds settings shared by the agent and the reference server.
type Config struct {
	Env      string
	LogLevel string

	// agent
	APIBaseURL      string
	SocketURL       string
	RealtimeEnabled bool
	Token           string
	UserID          string
	Role            string
	PollInterval    time.Duration
	PollJitter      float64
	RequestTimeout  time.Duration
	RetryDelay      time.Duration
	MaxAttempts     int
	StateDSN        string
	FaviconPath     string
	FaviconTarget   string
	StatusDir       string
	TitleEnabled    bool
	TitleForce      bool
	TabScope        string
	MountDir        string
	SoundCommand    string
	NotifyCommand   string
	AlwaysShow      bool
	RequireGesture  bool
	MetricsAddr     string

	// server
	Port             string
	JWTSecret        string
	RateLimitPerMin  int
	SocketBufferSize int
}

// Load reads the environment. Binaries load .env before calling it.
func Load() *Config {
	return &Config{
		Env:      getEnv("UNREADSYNC_ENV", "development"),
		LogLevel: getEnv("UNREADSYNC_LOG_LEVEL", "info"),

		APIBaseURL:      getEnv("UNREADSYNC_API_URL", "http://127.0.0.1:8080"),
		SocketURL:       getEnv("UNREADSYNC_SOCKET_URL", ""),
		RealtimeEnabled: getEnvAsBool("UNREADSYNC_REALTIME", true),
		Token:           getEnv("UNREADSYNC_TOKEN", ""),
		UserID:          getEnv("UNREADSYNC_USER_ID", ""),
		Role:            getEnv("UNREADSYNC_ROLE", ""),
		PollInterval:    getEnvAsDuration("UNREADSYNC_POLL_INTERVAL", 6*time.Second),
		PollJitter:      getEnvAsFloat("UNREADSYNC_POLL_JITTER", 0),
		RequestTimeout:  getEnvAsDuration("UNREADSYNC_REQUEST_TIMEOUT", 10*time.Second),
		RetryDelay:      getEnvAsDuration("UNREADSYNC_SOCKET_RETRY_DELAY", 5*time.Second),
		MaxAttempts:     getEnvAsInt("UNREADSYNC_SOCKET_MAX_ATTEMPTS", 5),
		StateDSN:        getEnv("UNREADSYNC_STATE_DSN", defaultStateDSN()),
		FaviconPath:     getEnv("UNREADSYNC_FAVICON", ""),
		FaviconTarget:   getEnv("UNREADSYNC_FAVICON_TARGET", ""),
		StatusDir:       getEnv("UNREADSYNC_STATUS_DIR", ""),
		TitleEnabled:    getEnvAsBool("UNREADSYNC_TITLE_ENABLED", true),
		TitleForce:      getEnvAsBool("UNREADSYNC_TITLE_FORCE", false),
		TabScope:        getEnv("UNREADSYNC_TAB_SCOPE", "notifications"),
		MountDir:        getEnv("UNREADSYNC_MOUNT_DIR", ""),
		SoundCommand:    getEnv("UNREADSYNC_SOUND_COMMAND", ""),
		NotifyCommand:   getEnv("UNREADSYNC_NOTIFY_COMMAND", "notify-send"),
		AlwaysShow:      getEnvAsBool("UNREADSYNC_ALWAYS_SHOW", false),
		RequireGesture:  getEnvAsBool("UNREADSYNC_REQUIRE_GESTURE", true),
		MetricsAddr:     getEnv("UNREADSYNC_METRICS_ADDR", ""),

		Port:             getEnv("PORT", "8080"),
		JWTSecret:        getEnv("UNREADSYNC_JWT_SECRET", ""),
		RateLimitPerMin:  getEnvAsInt("UNREADSYNC_RATE_LIMIT_PER_MIN", 600),
		SocketBufferSize: getEnvAsInt("UNREADSYNC_SOCKET_BUFFER", 64),
	}
}

func defaultStateDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return "memory://"
	}
	return "file://" + dir + "/unreadsync/state.json"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
