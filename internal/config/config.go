package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath     string
	AssetDir   string
	RawMailDir string
	OutputDir  string
	SeedPath   string

	BlobDriver string
	GCSBucket  string
	GCSPrefix  string

	HTTPAddr         string
	HTTPTimeoutMs    int
	UploadMaxBytes   int64
	WorkerCount      int
	RenderConcurrent int

	ResolverFuzzyThreshold float64
	ResolverAmbiguityBand  float64
	ResolverMaxCandidates  int

	ExtractFuzzyThreshold float64
	LineYTolerance        float64

	ItemMarginMM   float64
	SideMarginMM   float64
	SafetyMarginMM float64

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	MailListenerProvider    string
	MailListenerLabel       string
	MailListenerIntervalSec int
	MailListenerFetchMax    int
	MailListenerAutoQueue   bool
	MailListenerTenant      string
	MailListenerMachine     string
	MailListenerMode        string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("DB_PATH", filepath.Join(cwd, "data", "basepack.db")),
		AssetDir:   getEnv("ASSET_DIR", filepath.Join(cwd, "data", "assets")),
		RawMailDir: getEnv("MAIL_RAW_DIR", filepath.Join(cwd, "data", "raw")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		SeedPath:   getEnv("SEED_PATH", ""),

		BlobDriver: getEnv("BLOB_DRIVER", "local"),
		GCSBucket:  getEnv("GCS_BUCKET", ""),
		GCSPrefix:  getEnv("GCS_PREFIX", "basepack"),

		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		HTTPTimeoutMs:    getEnvInt("HTTP_TIMEOUT_MS", 60000),
		UploadMaxBytes:   int64(getEnvInt("UPLOAD_MAX_MB", 64)) << 20,
		WorkerCount:      getEnvInt("WORKER_COUNT", 2),
		RenderConcurrent: getEnvInt("RENDER_CONCURRENT", 4),

		ResolverFuzzyThreshold: getEnvFloat("RESOLVER_FUZZY_THRESHOLD", 0.45),
		ResolverAmbiguityBand:  getEnvFloat("RESOLVER_AMBIGUITY_BAND", 0.1),
		ResolverMaxCandidates:  getEnvInt("RESOLVER_MAX_CANDIDATES", 5),

		ExtractFuzzyThreshold: getEnvFloat("EXTRACT_FUZZY_THRESHOLD", 0.75),
		LineYTolerance:        getEnvFloat("LINE_Y_TOLERANCE", 1.5),

		ItemMarginMM:   getEnvFloat("ITEM_MARGIN_MM", 2),
		SideMarginMM:   getEnvFloat("SIDE_MARGIN_MM", 20),
		SafetyMarginMM: getEnvFloat("SAFETY_MARGIN_MM", 50),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		MailListenerProvider:    getEnv("MAIL_LISTENER_PROVIDER", "gmail"),
		MailListenerLabel:       getEnv("MAIL_LISTENER_LABEL", "INBOX"),
		MailListenerIntervalSec: getEnvInt("MAIL_LISTENER_INTERVAL_SEC", 30),
		MailListenerFetchMax:    getEnvInt("MAIL_LISTENER_FETCH_MAX", 20),
		MailListenerAutoQueue:   getEnvBool("MAIL_LISTENER_AUTO_QUEUE", true),
		MailListenerTenant:      getEnv("MAIL_LISTENER_TENANT", ""),
		MailListenerMachine:     getEnv("MAIL_LISTENER_MACHINE", ""),
		MailListenerMode:        getEnv("MAIL_LISTENER_MODE", "sequence"),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
