package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	Database DatabaseConfig
	AI       AIConfig
	Inbound  InboundConfig
	Campaign CampaignConfig
	Twilio   TwilioConfig
	Cloud    CloudConfig
	Session  SessionConfig
	Archive  ArchiveConfig

	// SkipDelays disables typing and campaign pacing delays (tests, automation).
	SkipDelays bool
}

type DatabaseConfig struct {
	Driver string // sqlite or postgres
	DSN    string
}

type AIConfig struct {
	BaseURL            string
	APIKey             string
	ChatModel          string
	VisionModel        string
	VisionBaseURL      string
	VisionAPIKey       string
	TranscriptionModel string
	Timeout            time.Duration
	MaxTokens          int
	Temperature        float64
}

type InboundConfig struct {
	DebounceWindow time.Duration
	MaxBufferTime  time.Duration
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
	HistoryLimit   int
	RateLimitMax   int
	RateLimitSpan  time.Duration
	Cooldown       time.Duration
	HumanPause     time.Duration
}

type CampaignConfig struct {
	TickInterval   time.Duration
	LeaseTimeout   time.Duration
	RetryFailed    bool
	ExclusionBatch int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
}

type CloudConfig struct {
	BaseURL       string
	VerifyToken   string
	WhatsAppToken string
	APIVersion    string
}

type SessionConfig struct {
	StorePath string
	QRTimeout time.Duration
}

type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PublicURL string
}

// LoadEnv reads .env (or the given files) into the process environment
// without overriding variables that are already set. A missing file is
// reported, not fatal; the caller decides how to log it.
func LoadEnv(files ...string) error {
	return godotenv.Load(files...)
}

// LoadConfig builds the configuration from the process environment. Call
// LoadEnv first to pick up a .env file.
func LoadConfig() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			DSN:    getEnv("DB_DSN", "./chatbot.db"),
		},
		AI: AIConfig{
			BaseURL:            getEnv("AI_BASE_URL", "https://api.deepseek.com"),
			APIKey:             getEnv("AI_API_KEY", ""),
			ChatModel:          getEnv("AI_CHAT_MODEL", "deepseek-chat"),
			VisionModel:        getEnv("AI_VISION_MODEL", "gpt-4o-mini"),
			VisionBaseURL:      getEnv("AI_VISION_BASE_URL", ""),
			VisionAPIKey:       getEnv("AI_VISION_API_KEY", ""),
			TranscriptionModel: getEnv("AI_TRANSCRIPTION_MODEL", "whisper-1"),
			Timeout:            getEnvDuration("AI_TIMEOUT", 45*time.Second),
			MaxTokens:          getEnvInt("AI_MAX_TOKENS", 600),
			Temperature:        getEnvFloat("AI_TEMPERATURE", 0.7),
		},
		Inbound: InboundConfig{
			DebounceWindow: getEnvDuration("INBOUND_DEBOUNCE", 11*time.Second),
			MaxBufferTime:  getEnvDuration("INBOUND_MAX_BUFFER", 30*time.Second),
			TypingDelayMin: getEnvDuration("TYPING_DELAY_MIN", 5*time.Second),
			TypingDelayMax: getEnvDuration("TYPING_DELAY_MAX", 15*time.Second),
			HistoryLimit:   getEnvInt("HISTORY_LIMIT", 30),
			RateLimitMax:   getEnvInt("RATE_LIMIT_MAX", 5),
			RateLimitSpan:  getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Cooldown:       getEnvDuration("RATE_LIMIT_COOLDOWN", 10*time.Minute),
			HumanPause:     getEnvDuration("HUMAN_PAUSE", 30*time.Minute),
		},
		Campaign: CampaignConfig{
			TickInterval:   getEnvDuration("CAMPAIGN_TICK", time.Minute),
			LeaseTimeout:   getEnvDuration("CAMPAIGN_LEASE_TIMEOUT", 10*time.Minute),
			RetryFailed:    getEnvBool("CAMPAIGN_RETRY_FAILED", false),
			ExclusionBatch: getEnvInt("CAMPAIGN_EXCLUSION_BATCH", 200),
		},
		Twilio: TwilioConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			BaseURL:    getEnv("TWILIO_BASE_URL", "https://api.twilio.com/2010-04-01"),
		},
		Cloud: CloudConfig{
			BaseURL:       getEnv("GRAPH_BASE_URL", "https://graph.facebook.com"),
			VerifyToken:   getEnv("VERIFY_TOKEN", ""),
			WhatsAppToken: getEnv("WHATSAPP_TOKEN", ""),
			APIVersion:    getEnv("GRAPH_API_VERSION", "v21.0"),
		},
		Session: SessionConfig{
			StorePath: getEnv("SESSION_STORE", "./sessions.db"),
			QRTimeout: getEnvDuration("SESSION_QR_TIMEOUT", 120*time.Second),
		},
		Archive: ArchiveConfig{
			Bucket:    getEnv("S3_BUCKET", ""),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
			PublicURL: getEnv("S3_PUBLIC_URL", ""),
		},
		SkipDelays: getEnvBool("SKIP_DELAYS", false),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(getEnv(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
