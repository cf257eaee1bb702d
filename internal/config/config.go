package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Fingerprint is the static device identity attached to every browser
// context. Values are captured once from a real browser session; if the
// upstream rejects them, capture a fresh set and update the environment.
type Fingerprint struct {
	DeviceID string
	FP       string
	TeaUUID  string
	WebID    string
}

// Config is the opaque startup configuration. It is built once from the
// environment (plus an optional models.yaml) and never reloaded.
type Config struct {
	Addr      string
	MasterKey string

	// Upstream
	ChatURL      string
	CookieDomain string
	Cookies      []string
	Fingerprint  Fingerprint
	Headless     bool

	// Pool and dispatch
	PoolCapacity   int
	MaxInflight    int
	AcquireTimeout time.Duration
	StallTimeout   time.Duration
	RequestTimeout time.Duration

	// Health monitor
	ProbeInterval time.Duration
	StaleAfter    time.Duration

	// Conversation continuity
	ConversationTTL time.Duration

	// Rate limiting
	RequestsPerHour int
	Burst           int

	// Browser state persistence
	StateDir string

	// Model catalog: API model name -> upstream bot id
	DefaultModel string
	Models       map[string]string
}

// Load builds the configuration from the process environment. The caller is
// expected to have loaded any .env file beforehand.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            envString("ADDR", ":8088"),
		MasterKey:       os.Getenv("API_MASTER_KEY"),
		ChatURL:         envString("DOUBAO_CHAT_URL", "https://www.doubao.com/chat/"),
		CookieDomain:    envString("DOUBAO_COOKIE_DOMAIN", ".doubao.com"),
		Headless:        envBool("BROWSER_HEADLESS", true),
		PoolCapacity:    envInt("POOL_CAPACITY", 3),
		MaxInflight:     envInt("MAX_INFLIGHT", 8),
		AcquireTimeout:  envDuration("POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		StallTimeout:    envDuration("STREAM_STALL_TIMEOUT", 45*time.Second),
		RequestTimeout:  envDuration("API_REQUEST_TIMEOUT", 180*time.Second),
		ProbeInterval:   envDuration("HEALTH_PROBE_INTERVAL", time.Minute),
		StaleAfter:      envDuration("SESSION_STALE_AFTER", 5*time.Minute),
		ConversationTTL: envDuration("SESSION_CACHE_TTL", time.Hour),
		RequestsPerHour: envInt("RATE_LIMIT_PER_HOUR", 100),
		Burst:           envInt("RATE_LIMIT_BURST", 10),
		StateDir:        envString("BROWSER_STATE_DIR", "./storage/browser-state"),
		DefaultModel:    envString("DEFAULT_MODEL", "doubao-pro-chat"),
		Fingerprint: Fingerprint{
			DeviceID: os.Getenv("DOUBAO_DEVICE_ID"),
			FP:       os.Getenv("DOUBAO_FP"),
			TeaUUID:  os.Getenv("DOUBAO_TEA_UUID"),
			WebID:    os.Getenv("DOUBAO_WEB_ID"),
		},
	}

	// Cookies come in as DOUBAO_COOKIE_1, DOUBAO_COOKIE_2, ...
	for i := 1; ; i++ {
		cookie := os.Getenv(fmt.Sprintf("DOUBAO_COOKIE_%d", i))
		if cookie == "" {
			break
		}
		cfg.Cookies = append(cfg.Cookies, cookie)
	}
	if len(cfg.Cookies) == 0 {
		return nil, fmt.Errorf("at least one DOUBAO_COOKIE_n environment variable is required")
	}

	cfg.Models = map[string]string{
		"doubao-pro-chat": "7338286299411103781",
	}
	if path := os.Getenv("MODELS_FILE"); path != "" {
		models, err := loadModelsFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Models = models
	}
	if _, ok := cfg.Models[cfg.DefaultModel]; !ok {
		return nil, fmt.Errorf("default model %q is not in the model catalog", cfg.DefaultModel)
	}

	if cfg.PoolCapacity < 1 {
		return nil, fmt.Errorf("POOL_CAPACITY must be at least 1")
	}
	if cfg.MaxInflight < cfg.PoolCapacity {
		cfg.MaxInflight = cfg.PoolCapacity
	}

	return cfg, nil
}

// modelsFile is the YAML shape of an external model catalog
type modelsFile struct {
	Models map[string]string `yaml:"models"`
}

func loadModelsFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("models file %s defines no models", path)
	}

	return f.Models, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds, matching the original deployment files
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
